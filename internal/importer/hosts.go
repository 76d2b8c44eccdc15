// Package importer reads hosts-file formatted overrides from a local file
// or over SSH and turns them into store entries.
package importer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/user/hostswitch/internal/rules"
)

// Result holds parsed entries and the lines that could not be used.
type Result struct {
	Entries []rules.HostEntry
	Skipped []string
}

// reservedNames are the stock entries every hosts file carries.
var reservedNames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"broadcasthost":         true,
	"ip6-localhost":         true,
	"ip6-loopback":          true,
	"ip6-localnet":          true,
	"ip6-mcastprefix":       true,
	"ip6-allnodes":          true,
	"ip6-allrouters":        true,
}

// ParseHosts parses hosts-file syntax:
//
//	# comment
//	10.0.0.1   api.dev.example.com  web.dev.example.com  # trailing comment
//
// Every name on a line becomes its own enabled entry. Lines with an invalid
// address or name are reported in Skipped; stock localhost names are dropped
// silently.
func ParseHosts(r io.Reader) (*Result, error) {
	res := &Result{}
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			res.Skipped = append(res.Skipped, strings.TrimSpace(line))
			continue
		}

		ip := fields[0]
		if err := rules.ValidateIP(ip); err != nil {
			res.Skipped = append(res.Skipped, strings.TrimSpace(line))
			continue
		}
		for _, name := range fields[1:] {
			domain := rules.NormalizeDomain(name)
			if reservedNames[domain] {
				continue
			}
			if err := rules.ValidateDomain(domain); err != nil {
				res.Skipped = append(res.Skipped, ip+" "+name)
				continue
			}
			key := ip + " " + domain
			if seen[key] {
				continue
			}
			seen[key] = true
			res.Entries = append(res.Entries, rules.HostEntry{IP: ip, Domain: domain, Enabled: true})
		}
	}
	return res, scanner.Err()
}

// ReadFile parses a local hosts file.
func ReadFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hosts file %s: %w", path, err)
	}
	defer f.Close()
	return ParseHosts(f)
}

// FormatHosts renders entries in hosts-file syntax. Disabled entries are
// written commented out.
func FormatHosts(entries []rules.HostEntry) string {
	var b strings.Builder
	for _, e := range entries {
		if !e.Enabled {
			b.WriteString("# ")
		}
		fmt.Fprintf(&b, "%s\t%s\n", e.IP, e.Domain)
	}
	return b.String()
}
