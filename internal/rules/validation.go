package rules

import (
	"net/netip"
	"regexp"
	"strings"
)

const maxDomainLength = 253

var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

// NormalizeDomain lower-cases and trims a domain; a single trailing dot is dropped.
func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// ValidateDomain checks an already normalized domain name.
func ValidateDomain(domain string) error {
	if domain == "" {
		return invalid("domain", domain, "domain is required")
	}
	if len(domain) > maxDomainLength {
		return invalid("domain", domain, "domain is longer than 253 characters")
	}
	if strings.ContainsAny(domain, ":/*") {
		return invalid("domain", domain, "domain must not contain a port, path or wildcard")
	}
	if !domainPattern.MatchString(domain) {
		return invalid("domain", domain, "not a valid host name")
	}
	return nil
}

// ValidateIP checks an IPv4 or IPv6 literal without zone.
func ValidateIP(ip string) error {
	if ip == "" {
		return invalid("ip", ip, "ip is required")
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return invalid("ip", ip, "not an IP address")
	}
	if addr.Zone() != "" {
		return invalid("ip", ip, "zoned addresses are not supported")
	}
	return nil
}

// ValidatePort checks a TCP port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return &ValidationError{Field: "port", Reason: "port must be between 1 and 65535"}
	}
	return nil
}

// ValidateGroupName checks a trimmed group name.
func ValidateGroupName(name string) error {
	if name == "" {
		return invalid("name", name, "group name is required")
	}
	if len(name) > 128 {
		return invalid("name", name, "group name is longer than 128 characters")
	}
	return nil
}

// ValidateHost checks a host entry whose fields were normalized.
func ValidateHost(h HostEntry) error {
	if err := ValidateIP(h.IP); err != nil {
		return err
	}
	return ValidateDomain(h.Domain)
}

// ValidateBypassPattern checks one forwarding proxy bypass entry: a host
// name, an IP literal, or a "*.suffix" / ".suffix" pattern.
func ValidateBypassPattern(pattern string) error {
	if _, err := netip.ParseAddr(pattern); err == nil {
		return nil
	}
	p := strings.TrimPrefix(pattern, "*")
	p = strings.TrimPrefix(p, ".")
	if err := ValidateDomain(p); err != nil {
		return invalid("bypassList", pattern, "not a host, IP or *.suffix pattern")
	}
	return nil
}

// Validate checks the forwarding proxy configuration. A disabled proxy
// without a host is the default state and is accepted.
func (p *ProxyConfig) Validate() error {
	switch p.Protocol {
	case ProtocolSOCKS5, ProtocolSOCKS4:
	default:
		return invalid("protocol", string(p.Protocol), "protocol must be socks5 or socks4")
	}

	if p.Host != "" || p.Enabled {
		if p.Host == "" {
			return invalid("host", "", "proxy host is required when the proxy is enabled")
		}
		if ValidateIP(p.Host) != nil && ValidateDomain(p.Host) != nil {
			return invalid("host", p.Host, "proxy host must be an IP address or host name")
		}
		if err := ValidatePort(p.Port); err != nil {
			return err
		}
	}

	if p.Auth.Enabled && p.Auth.Username == "" {
		return invalid("auth.username", "", "username is required when authentication is enabled")
	}

	for _, pattern := range p.BypassList {
		if err := ValidateBypassPattern(pattern); err != nil {
			return err
		}
	}
	return nil
}

// normalize trims and lower-cases the user supplied fields.
func (p *ProxyConfig) normalize() {
	p.Host = strings.ToLower(strings.TrimSpace(p.Host))
	if p.Protocol == "" {
		p.Protocol = ProtocolSOCKS5
	}
	p.Protocol = Protocol(strings.ToLower(string(p.Protocol)))
	list := make([]string, 0, len(p.BypassList))
	for _, b := range p.BypassList {
		b = strings.ToLower(strings.TrimSpace(b))
		if b != "" {
			list = append(list, b)
		}
	}
	p.BypassList = list
}

func normalizeHost(h HostEntry) HostEntry {
	h.IP = strings.TrimSpace(h.IP)
	h.Domain = NormalizeDomain(h.Domain)
	return h
}
