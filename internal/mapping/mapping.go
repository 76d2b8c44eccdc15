// Package mapping compiles the active groups of a rule document into the
// ordered domain to IP table the routing policy is built from.
package mapping

import (
	"strings"

	"github.com/user/hostswitch/internal/rules"
)

// Entry is one domain to IP pair.
type Entry struct {
	Domain string `json:"domain"`
	IP     string `json:"ip"`
}

// Mapping is an ordered domain to IP table. The zero value is empty.
type Mapping struct {
	entries []Entry
	index   map[string]int
}

// Compile walks groups and hosts in store order, keeping enabled hosts of
// active groups. When a domain repeats, the later value wins and the key
// keeps the position of its first insertion.
func Compile(groups []rules.Group, active []string) Mapping {
	activeSet := make(map[string]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}

	var m Mapping
	for _, g := range groups {
		if !activeSet[g.ID] {
			continue
		}
		for _, h := range g.Hosts {
			if !h.Enabled {
				continue
			}
			m.set(strings.ToLower(h.Domain), h.IP)
		}
	}
	return m
}

// FromDocument compiles the mapping of a whole document.
func FromDocument(doc *rules.Document) Mapping {
	if doc == nil {
		return Mapping{}
	}
	return Compile(doc.Groups, doc.ActiveGroups)
}

// FromEntries builds a mapping from ordered pairs with the same overwrite
// rule as Compile.
func FromEntries(entries []Entry) Mapping {
	var m Mapping
	for _, e := range entries {
		m.set(strings.ToLower(e.Domain), e.IP)
	}
	return m
}

func (m *Mapping) set(domain, ip string) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[domain]; ok {
		m.entries[i].IP = ip
		return
	}
	m.index[domain] = len(m.entries)
	m.entries = append(m.entries, Entry{Domain: domain, IP: ip})
}

// Len returns the number of domains.
func (m Mapping) Len() int {
	return len(m.entries)
}

// Lookup returns the IP mapped to an exact domain.
func (m Mapping) Lookup(domain string) (string, bool) {
	i, ok := m.index[strings.ToLower(domain)]
	if !ok {
		return "", false
	}
	return m.entries[i].IP, true
}

// Entries returns a copy of the pairs in order.
func (m Mapping) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Equal reports whether both mappings hold the same pairs in the same order.
func (m Mapping) Equal(o Mapping) bool {
	if len(m.entries) != len(o.entries) {
		return false
	}
	for i := range m.entries {
		if m.entries[i] != o.entries[i] {
			return false
		}
	}
	return true
}
