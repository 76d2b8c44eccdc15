package mapping

import (
	"testing"

	"github.com/user/hostswitch/internal/rules"
)

func host(domain, ip string, enabled bool) rules.HostEntry {
	return rules.HostEntry{ID: domain + ip, Domain: domain, IP: ip, Enabled: enabled}
}

func TestCompile(t *testing.T) {
	groups := []rules.Group{
		{ID: "g1", Name: "dev", Hosts: []rules.HostEntry{
			host("a.com", "10.0.0.1", true),
			host("b.com", "10.0.0.2", false),
			host("c.com", "10.0.0.3", true),
		}},
		{ID: "g2", Name: "inactive", Hosts: []rules.HostEntry{
			host("d.com", "10.0.0.4", true),
		}},
		{ID: "g3", Name: "override", Hosts: []rules.HostEntry{
			host("A.com", "10.0.0.9", true),
			host("e.com", "10.0.0.5", true),
		}},
	}

	m := Compile(groups, []string{"g3", "g1"})

	want := []Entry{
		{Domain: "a.com", IP: "10.0.0.9"},
		{Domain: "c.com", IP: "10.0.0.3"},
		{Domain: "e.com", IP: "10.0.0.5"},
	}
	got := m.Entries()
	if len(got) != len(want) {
		t.Fatalf("Entries() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Entries()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if _, ok := m.Lookup("b.com"); ok {
		t.Error("disabled host must not be mapped")
	}
	if _, ok := m.Lookup("d.com"); ok {
		t.Error("inactive group must not be mapped")
	}
	if ip, ok := m.Lookup("A.COM"); !ok || ip != "10.0.0.9" {
		t.Errorf("Lookup(A.COM) = %q, %v", ip, ok)
	}
}

func TestCompileDeterministic(t *testing.T) {
	doc := rules.NewDocument()
	doc.Groups = []rules.Group{
		{ID: "g1", Hosts: []rules.HostEntry{host("x.com", "1.1.1.1", true), host("y.com", "2.2.2.2", true)}},
		{ID: "g2", Hosts: []rules.HostEntry{host("x.com", "3.3.3.3", true)}},
	}
	doc.ActiveGroups = []string{"g1", "g2"}

	first := FromDocument(doc)
	for i := 0; i < 20; i++ {
		if !FromDocument(doc.Clone()).Equal(first) {
			t.Fatal("Compile is not deterministic")
		}
	}
}

func TestEmpty(t *testing.T) {
	var m Mapping
	if m.Len() != 0 || len(m.Entries()) != 0 {
		t.Error("zero Mapping should be empty")
	}
	if _, ok := m.Lookup("a.com"); ok {
		t.Error("Lookup on empty mapping")
	}
	if !FromDocument(nil).Equal(Mapping{}) {
		t.Error("FromDocument(nil) should be empty")
	}
	if !Compile(nil, nil).Equal(FromEntries(nil)) {
		t.Error("empty mappings should be equal")
	}
}

func TestEqual(t *testing.T) {
	a := FromEntries([]Entry{{"a.com", "1.1.1.1"}, {"b.com", "2.2.2.2"}})
	b := FromEntries([]Entry{{"b.com", "2.2.2.2"}, {"a.com", "1.1.1.1"}})
	if a.Equal(b) {
		t.Error("order must matter")
	}
	if !a.Equal(FromEntries(a.Entries())) {
		t.Error("round trip through Entries should be equal")
	}
}
