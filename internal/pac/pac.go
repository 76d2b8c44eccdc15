// Package pac turns an active mapping and the forwarding proxy settings into
// a proxy auto-config script.
//
// The script embeds the mapping as JSON data and a fixed decision routine;
// no user-supplied text is ever spliced into code. Evaluate runs the same
// routine in Go so callers can check a decision without a JavaScript engine.
package pac

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/user/hostswitch/internal/mapping"
	"github.com/user/hostswitch/internal/rules"
)

// ContentType is the MIME type browsers expect for PAC files.
const ContentType = "application/x-ns-proxy-autoconfig"

// Direct is the decision for connections that bypass every proxy.
const Direct = "DIRECT"

const defaultPort = "80"

// rule is one embedded mapping entry; target is already host:port ready.
type rule struct {
	domain string
	target string
}

// Policy is a compiled routing policy. It is immutable.
type Policy struct {
	rules  []rule
	socks  string
	bypass []string
	script string
	size   int
}

// Compile validates every value once more and builds the policy.
func Compile(m mapping.Mapping, proxy rules.ProxyConfig) (*Policy, error) {
	p := &Policy{size: m.Len()}

	for _, e := range m.Entries() {
		if err := rules.ValidateDomain(e.Domain); err != nil {
			return nil, fmt.Errorf("pac: mapping entry: %w", err)
		}
		if err := rules.ValidateIP(e.IP); err != nil {
			return nil, fmt.Errorf("pac: mapping entry %s: %w", e.Domain, err)
		}
		p.rules = append(p.rules, rule{domain: e.Domain, target: hostLiteral(e.IP)})
	}

	if proxy.Enabled {
		if err := proxy.Validate(); err != nil {
			return nil, fmt.Errorf("pac: forwarding proxy: %w", err)
		}
		p.socks = "SOCKS " + net.JoinHostPort(proxy.Host, strconv.Itoa(proxy.Port))
		for _, b := range proxy.BypassList {
			p.bypass = append(p.bypass, strings.ToLower(b))
		}
	}

	script, err := p.render()
	if err != nil {
		return nil, err
	}
	p.script = script
	return p, nil
}

// hostLiteral brackets IPv6 addresses so ":port" can be appended.
func hostLiteral(ip string) string {
	if addr, err := netip.ParseAddr(ip); err == nil && addr.Is6() && !addr.Is4In6() {
		return "[" + ip + "]"
	}
	return ip
}

// Script returns the PAC program text.
func (p *Policy) Script() string {
	return p.script
}

// Empty reports whether the policy would route nothing: no mapping and no
// forwarding proxy.
func (p *Policy) Empty() bool {
	return len(p.rules) == 0 && p.socks == ""
}

// Len returns the number of mapped domains.
func (p *Policy) Len() int {
	return p.size
}

// ProxyEnabled reports whether unmatched traffic goes to the forwarding proxy.
func (p *Policy) ProxyEnabled() bool {
	return p.socks != ""
}

// Equal reports whether two policies produce the same script.
func (p *Policy) Equal(o *Policy) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.script == o.script
}

// Evaluate returns the decision FindProxyForURL makes for host. The url
// argument mirrors FindProxyForURL and is not inspected.
func (p *Policy) Evaluate(url, host string) string {
	name, port := splitHost(host)

	if isLocal(name) {
		return Direct
	}
	for _, r := range p.rules {
		if name == r.domain || strings.HasSuffix(name, "."+r.domain) {
			return "PROXY " + r.target + ":" + port
		}
	}
	if p.socks != "" {
		if bypassed(name, p.bypass) {
			return Direct
		}
		return p.socks
	}
	return Direct
}

func splitHost(host string) (name, port string) {
	name, port = host, defaultPort
	if strings.HasPrefix(name, "[") {
		if end := strings.Index(name, "]"); end > 0 {
			if strings.HasPrefix(name[end+1:], ":") {
				port = name[end+2:]
			}
			name = name[1:end]
		}
	} else if i := strings.Index(name, ":"); i >= 0 && strings.Count(name, ":") == 1 {
		port = name[i+1:]
		name = name[:i]
	}
	if port == "" {
		port = defaultPort
	}
	return strings.ToLower(name), port
}

func isLocal(name string) bool {
	return !strings.Contains(name, ".") || name == "localhost" || name == "127.0.0.1"
}

func bypassed(name string, patterns []string) bool {
	for _, b := range patterns {
		switch {
		case strings.HasPrefix(b, "*."):
			if strings.HasSuffix(name, b[1:]) {
				return true
			}
		case strings.HasPrefix(b, "."):
			if strings.HasSuffix(name, b) {
				return true
			}
		case name == b:
			return true
		}
	}
	return false
}

func (p *Policy) render() (string, error) {
	pairs := make([][2]string, len(p.rules))
	for i, r := range p.rules {
		pairs[i] = [2]string{r.domain, r.target}
	}
	bypass := p.bypass
	if bypass == nil {
		bypass = []string{}
	}

	mappingJSON, err := json.Marshal(pairs)
	if err != nil {
		return "", fmt.Errorf("pac: encode mapping: %w", err)
	}
	bypassJSON, err := json.Marshal(bypass)
	if err != nil {
		return "", fmt.Errorf("pac: encode bypass list: %w", err)
	}
	socksJSON, err := json.Marshal(p.socks)
	if err != nil {
		return "", fmt.Errorf("pac: encode proxy: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "// hostswitch routing policy: %d mapped domains\n", len(p.rules))
	fmt.Fprintf(&b, "var MAPPING = %s;\n", mappingJSON)
	fmt.Fprintf(&b, "var SOCKS = %s;\n", socksJSON)
	fmt.Fprintf(&b, "var BYPASS = %s;\n", bypassJSON)
	b.WriteString(decisionRoutine)
	return b.String(), nil
}

// decisionRoutine mirrors Evaluate line for line.
const decisionRoutine = `
function hsSplitHost(host) {
  var name = host, port = "` + defaultPort + `";
  if (name.charAt(0) == "[") {
    var end = name.indexOf("]");
    if (end > 0) {
      if (name.charAt(end + 1) == ":") port = name.substring(end + 2);
      name = name.substring(1, end);
    }
  } else {
    var i = name.indexOf(":");
    if (i >= 0 && name.indexOf(":", i + 1) < 0) {
      port = name.substring(i + 1);
      name = name.substring(0, i);
    }
  }
  if (port == "") port = "` + defaultPort + `";
  return [name.toLowerCase(), port];
}

function hsEndsWith(s, suffix) {
  return s.length >= suffix.length && s.substring(s.length - suffix.length) == suffix;
}

function hsBypassed(name) {
  for (var i = 0; i < BYPASS.length; i++) {
    var b = BYPASS[i];
    if (b.substring(0, 2) == "*.") {
      if (hsEndsWith(name, b.substring(1))) return true;
    } else if (b.charAt(0) == ".") {
      if (hsEndsWith(name, b)) return true;
    } else if (name == b) {
      return true;
    }
  }
  return false;
}

function FindProxyForURL(url, host) {
  var parts = hsSplitHost(host);
  var name = parts[0], port = parts[1];

  if (name.indexOf(".") < 0 || name == "localhost" || name == "127.0.0.1") {
    return "DIRECT";
  }
  for (var i = 0; i < MAPPING.length; i++) {
    var domain = MAPPING[i][0];
    if (name == domain || hsEndsWith(name, "." + domain)) {
      return "PROXY " + MAPPING[i][1] + ":" + port;
    }
  }
  if (SOCKS != "") {
    if (hsBypassed(name)) return "DIRECT";
    return SOCKS;
  }
  return "DIRECT";
}
`
