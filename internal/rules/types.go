// Package rules is the authoritative Rule Store: groups of domain to IP
// overrides, the active group set and the forwarding proxy settings.
//
// All mutations go through Store, which validates input, persists the whole
// document through a Backend with a revision compare-and-swap, and fires the
// change notifier after every successful write.
package rules

// SchemaVersion is the current persisted document schema.
//
//	0: unversioned legacy layout, groups carry their own "enabled" switch
//	1: activeGroups is authoritative, ids on every group and host
const SchemaVersion = 1

// Protocol is the forwarding proxy protocol.
type Protocol string

const (
	ProtocolSOCKS5 Protocol = "socks5"
	ProtocolSOCKS4 Protocol = "socks4"
)

// HostEntry is one domain to IP override.
type HostEntry struct {
	ID      string `yaml:"id" json:"id"`
	IP      string `yaml:"ip" json:"ip"`
	Domain  string `yaml:"domain" json:"domain"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// Group is a named, independently toggleable collection of host entries.
type Group struct {
	ID    string      `yaml:"id" json:"id"`
	Name  string      `yaml:"name" json:"name"`
	Hosts []HostEntry `yaml:"hosts" json:"hosts"`

	// LegacyEnabled is the schema 0 per-group switch. Only Migrate reads it.
	LegacyEnabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// ProxyAuth holds optional forwarding proxy credentials.
type ProxyAuth struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// ProxyConfig is the singleton forwarding proxy configuration.
type ProxyConfig struct {
	Host       string    `yaml:"host" json:"host"`
	Port       int       `yaml:"port" json:"port"`
	Enabled    bool      `yaml:"enabled" json:"enabled"`
	Protocol   Protocol  `yaml:"protocol" json:"protocol"`
	Auth       ProxyAuth `yaml:"auth" json:"auth"`
	BypassList []string  `yaml:"bypassList" json:"bypassList"`
}

// Document is the persisted store. Key names match the on-disk schema.
type Document struct {
	SchemaVersion    int         `yaml:"schemaVersion" json:"schemaVersion"`
	Revision         uint64      `yaml:"revision" json:"revision"`
	Groups           []Group     `yaml:"hostsGroups" json:"hostsGroups"`
	ActiveGroups     []string    `yaml:"activeGroups" json:"activeGroups"`
	Proxy            ProxyConfig `yaml:"socketProxy" json:"socketProxy"`
	ShowAddGroupForm bool        `yaml:"showAddGroupForm" json:"showAddGroupForm"`
}

// DefaultProxyConfig returns the proxy settings of a fresh store.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		Port:       1080,
		Protocol:   ProtocolSOCKS5,
		BypassList: []string{},
	}
}

// NewDocument returns an empty document at the current schema.
func NewDocument() *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Groups:        []Group{},
		ActiveGroups:  []string{},
		Proxy:         DefaultProxyConfig(),
	}
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.Groups != nil {
		out.Groups = make([]Group, len(d.Groups))
		for i, g := range d.Groups {
			out.Groups[i] = g.Clone()
		}
	}
	if d.ActiveGroups != nil {
		out.ActiveGroups = append([]string{}, d.ActiveGroups...)
	}
	out.Proxy = d.Proxy.Clone()
	return &out
}

// Clone returns a deep copy.
func (g Group) Clone() Group {
	out := g
	if g.Hosts != nil {
		out.Hosts = append([]HostEntry{}, g.Hosts...)
	}
	if g.LegacyEnabled != nil {
		v := *g.LegacyEnabled
		out.LegacyEnabled = &v
	}
	return out
}

// Clone returns a deep copy.
func (p ProxyConfig) Clone() ProxyConfig {
	out := p
	if p.BypassList != nil {
		out.BypassList = append([]string{}, p.BypassList...)
	}
	return out
}

// IsActive reports whether the group id is in the active set.
func (d *Document) IsActive(groupID string) bool {
	for _, id := range d.ActiveGroups {
		if id == groupID {
			return true
		}
	}
	return false
}

// GroupIndex returns the index of the group with the given id, or -1.
func (d *Document) GroupIndex(id string) int {
	for i := range d.Groups {
		if d.Groups[i].ID == id {
			return i
		}
	}
	return -1
}

// FindGroup returns the group with the given id or, failing that, the given name.
func (d *Document) FindGroup(idOrName string) (Group, bool) {
	if i := d.GroupIndex(idOrName); i >= 0 {
		return d.Groups[i], true
	}
	for _, g := range d.Groups {
		if g.Name == idOrName {
			return g, true
		}
	}
	return Group{}, false
}

// HostIndex returns the index of the host with the given id, or -1.
func (g *Group) HostIndex(id string) int {
	for i := range g.Hosts {
		if g.Hosts[i].ID == id {
			return i
		}
	}
	return -1
}
