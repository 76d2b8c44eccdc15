package rules

// Migrate upgrades doc in place to SchemaVersion and reports whether
// anything changed. It is idempotent.
//
// Schema 0 documents carry a per-group "enabled" switch. When they have no
// activeGroups list at all, the active set is rebuilt from that switch;
// otherwise activeGroups wins. The legacy switch is dropped either way.
func Migrate(doc *Document, newID func() string) bool {
	changed := false

	if doc.Groups == nil {
		doc.Groups = []Group{}
		changed = true
	}

	derived := doc.ActiveGroups == nil
	if derived {
		doc.ActiveGroups = []string{}
		for _, g := range doc.Groups {
			if g.LegacyEnabled != nil && *g.LegacyEnabled && g.ID != "" {
				doc.ActiveGroups = append(doc.ActiveGroups, g.ID)
			}
		}
		changed = true
	}

	for i := range doc.Groups {
		g := &doc.Groups[i]
		if g.ID == "" {
			g.ID = newID()
			if derived && g.LegacyEnabled != nil && *g.LegacyEnabled {
				doc.ActiveGroups = append(doc.ActiveGroups, g.ID)
			}
			changed = true
		}
		if g.LegacyEnabled != nil {
			g.LegacyEnabled = nil
			changed = true
		}
		if g.Hosts == nil {
			g.Hosts = []HostEntry{}
			changed = true
		}
		for j := range g.Hosts {
			h := &g.Hosts[j]
			if h.ID == "" {
				h.ID = newID()
				changed = true
			}
			if d := NormalizeDomain(h.Domain); d != h.Domain {
				h.Domain = d
				changed = true
			}
		}
	}

	if pruned := pruneActive(doc); pruned {
		changed = true
	}

	if doc.Proxy.Protocol == "" {
		doc.Proxy.Protocol = ProtocolSOCKS5
		changed = true
	}
	if doc.Proxy.Port == 0 {
		doc.Proxy.Port = DefaultProxyConfig().Port
		changed = true
	}
	if doc.Proxy.BypassList == nil {
		doc.Proxy.BypassList = []string{}
		changed = true
	}

	if doc.SchemaVersion != SchemaVersion {
		doc.SchemaVersion = SchemaVersion
		changed = true
	}
	return changed
}

// pruneActive drops active ids that no longer name a group, and duplicates.
func pruneActive(doc *Document) bool {
	known := make(map[string]bool, len(doc.Groups))
	for _, g := range doc.Groups {
		known[g.ID] = true
	}
	seen := make(map[string]bool, len(doc.ActiveGroups))
	kept := doc.ActiveGroups[:0:0]
	for _, id := range doc.ActiveGroups {
		if known[id] && !seen[id] {
			kept = append(kept, id)
			seen[id] = true
		}
	}
	if len(kept) == len(doc.ActiveGroups) {
		return false
	}
	doc.ActiveGroups = kept
	return true
}
