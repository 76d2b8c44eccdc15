package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend(nil)
	opts = append([]Option{WithIDGenerator(seqIDs())}, opts...)
	return NewStore(backend, opts...), backend
}

func mustAddGroup(t *testing.T, s *Store, name string, active bool) Group {
	t.Helper()
	g, err := s.AddGroup(context.Background(), name, active)
	if err != nil {
		t.Fatalf("AddGroup(%q) error = %v", name, err)
	}
	return g
}

func TestAddGroupNameUniqueness(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	mustAddGroup(t, s, "dev", false)
	_, err := s.AddGroup(ctx, "dev", false)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate AddGroup error = %v, want ErrValidation", err)
	}
	if _, err := s.AddGroup(ctx, "   ", false); !errors.Is(err, ErrValidation) {
		t.Errorf("empty AddGroup error = %v, want ErrValidation", err)
	}

	doc, _ := s.Snapshot(ctx)
	if len(doc.Groups) != 1 {
		t.Errorf("groups = %d, want 1 (failed adds must not write)", len(doc.Groups))
	}
}

func TestAddGroupMakeActive(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	g := mustAddGroup(t, s, "dev", true)
	doc, _ := s.Snapshot(ctx)
	if !doc.IsActive(g.ID) {
		t.Error("group should be active")
	}
	if doc.Revision != 1 {
		t.Errorf("Revision = %d, want 1", doc.Revision)
	}
}

func TestRenameGroup(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	a := mustAddGroup(t, s, "a", false)
	mustAddGroup(t, s, "b", false)

	if err := s.RenameGroup(ctx, a.ID, "b"); !errors.Is(err, ErrValidation) {
		t.Errorf("rename to existing name error = %v, want ErrValidation", err)
	}
	if err := s.RenameGroup(ctx, a.ID, "a"); err != nil {
		t.Errorf("rename to own name error = %v", err)
	}
	if err := s.RenameGroup(ctx, "nope", "c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rename missing error = %v, want ErrNotFound", err)
	}
	if err := s.RenameGroup(ctx, a.ID, " c "); err != nil {
		t.Fatalf("RenameGroup() error = %v", err)
	}
	doc, _ := s.Snapshot(ctx)
	if g, ok := doc.FindGroup(a.ID); !ok || g.Name != "c" {
		t.Errorf("group = %+v, want name c", g)
	}
}

func TestDeleteGroupPrunesActiveSet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	a := mustAddGroup(t, s, "a", true)
	b := mustAddGroup(t, s, "b", true)

	if err := s.DeleteGroup(ctx, a.ID); err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}
	doc, _ := s.Snapshot(ctx)
	if len(doc.ActiveGroups) != 1 || doc.ActiveGroups[0] != b.ID {
		t.Errorf("ActiveGroups = %v, want [%s]", doc.ActiveGroups, b.ID)
	}
	if err := s.DeleteGroup(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteGroup error = %v, want ErrNotFound", err)
	}
}

func TestSetGroupActive(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	g := mustAddGroup(t, s, "a", false)

	if err := s.SetGroupActive(ctx, g.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetGroupActive(ctx, g.ID, true); err != nil {
		t.Fatal(err)
	}
	doc, _ := s.Snapshot(ctx)
	if len(doc.ActiveGroups) != 1 {
		t.Errorf("ActiveGroups = %v, want one entry", doc.ActiveGroups)
	}
	if err := s.SetGroupActive(ctx, g.ID, false); err != nil {
		t.Fatal(err)
	}
	doc, _ = s.Snapshot(ctx)
	if doc.IsActive(g.ID) {
		t.Error("group still active")
	}
	if err := s.SetGroupActive(ctx, "nope", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestAddHostValidationAndDuplicates(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	g := mustAddGroup(t, s, "dev", true)

	h, err := s.AddHost(ctx, g.ID, HostEntry{IP: "10.0.0.1", Domain: "Example.COM", Enabled: true})
	if err != nil {
		t.Fatalf("AddHost() error = %v", err)
	}
	if h.ID == "" || h.Domain != "example.com" {
		t.Errorf("host = %+v", h)
	}

	tests := []struct {
		name    string
		group   string
		host    HostEntry
		wantErr error
	}{
		{"duplicate case-insensitive", g.ID, HostEntry{IP: "10.0.0.1", Domain: "EXAMPLE.com"}, ErrValidation},
		{"bad ip", g.ID, HostEntry{IP: "10.0.0", Domain: "a.com"}, ErrValidation},
		{"bad domain", g.ID, HostEntry{IP: "10.0.0.2", Domain: "a.com:80"}, ErrValidation},
		{"missing group", "nope", HostEntry{IP: "10.0.0.2", Domain: "a.com"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.AddHost(ctx, tt.group, tt.host); !errors.Is(err, tt.wantErr) {
				t.Errorf("AddHost() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := s.AddHost(ctx, g.ID, HostEntry{IP: "10.0.0.2", Domain: "example.com"}); err != nil {
		t.Errorf("same domain with another IP should be accepted: %v", err)
	}
}

func TestToggleHostRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	g := mustAddGroup(t, s, "dev", true)
	h, _ := s.AddHost(ctx, g.ID, HostEntry{IP: "10.0.0.1", Domain: "a.com", Enabled: true})

	before, _ := s.Snapshot(ctx)
	if _, err := s.ToggleHost(ctx, g.ID, h.ID); err != nil {
		t.Fatal(err)
	}
	toggled, err := s.ToggleHost(ctx, g.ID, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !toggled.Enabled {
		t.Error("double toggle should restore enabled")
	}
	after, _ := s.Snapshot(ctx)
	if after.Groups[0].Hosts[0] != before.Groups[0].Hosts[0] {
		t.Errorf("host changed: %+v -> %+v", before.Groups[0].Hosts[0], after.Groups[0].Hosts[0])
	}
	if _, err := s.ToggleHost(ctx, g.ID, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdateHost(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	g := mustAddGroup(t, s, "dev", true)
	a, _ := s.AddHost(ctx, g.ID, HostEntry{IP: "10.0.0.1", Domain: "a.com", Enabled: true})
	s.AddHost(ctx, g.ID, HostEntry{IP: "10.0.0.2", Domain: "b.com", Enabled: true})

	ip := "10.0.0.9"
	off := false
	got, err := s.UpdateHost(ctx, g.ID, a.ID, HostPatch{IP: &ip, Enabled: &off})
	if err != nil {
		t.Fatalf("UpdateHost() error = %v", err)
	}
	if got.IP != ip || got.Enabled || got.Domain != "a.com" || got.ID != a.ID {
		t.Errorf("UpdateHost() = %+v", got)
	}

	dupIP, dupDomain := "10.0.0.2", "B.com"
	if _, err := s.UpdateHost(ctx, g.ID, a.ID, HostPatch{IP: &dupIP, Domain: &dupDomain}); !errors.Is(err, ErrValidation) {
		t.Errorf("duplicate update error = %v, want ErrValidation", err)
	}
	bad := "nope nope"
	if _, err := s.UpdateHost(ctx, g.ID, a.ID, HostPatch{Domain: &bad}); !errors.Is(err, ErrValidation) {
		t.Errorf("invalid update error = %v, want ErrValidation", err)
	}
	if _, err := s.UpdateHost(ctx, g.ID, "nope", HostPatch{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing host error = %v, want ErrNotFound", err)
	}
}

func TestDeleteHost(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	g := mustAddGroup(t, s, "dev", true)
	h, _ := s.AddHost(ctx, g.ID, HostEntry{IP: "10.0.0.1", Domain: "a.com"})

	if err := s.DeleteHost(ctx, g.ID, h.ID); err != nil {
		t.Fatal(err)
	}
	doc, _ := s.Snapshot(ctx)
	if len(doc.Groups[0].Hosts) != 0 {
		t.Errorf("hosts = %v, want empty", doc.Groups[0].Hosts)
	}
	if err := s.DeleteHost(ctx, g.ID, h.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestAddHostsSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	g := mustAddGroup(t, s, "dev", true)
	s.AddHost(ctx, g.ID, HostEntry{IP: "10.0.0.1", Domain: "a.com"})

	added, skipped, err := s.AddHosts(ctx, g.ID, []HostEntry{
		{IP: "10.0.0.1", Domain: "a.com"},
		{IP: "10.0.0.2", Domain: "b.com"},
		{IP: "10.0.0.2", Domain: "b.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || skipped != 2 {
		t.Errorf("added %d skipped %d, want 1 and 2", len(added), skipped)
	}
	if _, _, err := s.AddHosts(ctx, g.ID, []HostEntry{{IP: "x", Domain: "c.com"}}); !errors.Is(err, ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestForwardingProxy(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	cfg, err := s.ForwardingProxy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Enabled || cfg.Port != 1080 || cfg.Protocol != ProtocolSOCKS5 {
		t.Errorf("default proxy = %+v", cfg)
	}

	if _, err := s.SetProxyEnabled(ctx, true); !errors.Is(err, ErrValidation) {
		t.Errorf("enabling without host error = %v, want ErrValidation", err)
	}

	err = s.SetForwardingProxy(ctx, ProxyConfig{Host: " 127.0.0.1 ", Port: 9050, Protocol: "SOCKS5", BypassList: []string{" *.LAN ", ""}})
	if err != nil {
		t.Fatalf("SetForwardingProxy() error = %v", err)
	}
	cfg, _ = s.SetProxyEnabled(ctx, true)
	if !cfg.Enabled || cfg.Host != "127.0.0.1" || cfg.Protocol != ProtocolSOCKS5 {
		t.Errorf("proxy = %+v", cfg)
	}
	if len(cfg.BypassList) != 1 || cfg.BypassList[0] != "*.lan" {
		t.Errorf("BypassList = %v", cfg.BypassList)
	}

	if err := s.SetForwardingProxy(ctx, ProxyConfig{Host: "127.0.0.1", Port: 0, Protocol: ProtocolSOCKS5}); !errors.Is(err, ErrValidation) {
		t.Errorf("bad port error = %v, want ErrValidation", err)
	}
}

func TestMutationsPublishEvents(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithSource("test"))

	var events []Event
	s.Hub().SetPrimary(func(ctx context.Context, ev Event) error {
		events = append(events, ev)
		return nil
	})

	g := mustAddGroup(t, s, "dev", true)
	s.AddHost(ctx, g.ID, HostEntry{IP: "10.0.0.1", Domain: "a.com"})
	s.AddGroup(ctx, "dev", false) // rejected, no event

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Op != OpAddGroup || events[1].Op != OpAddHost {
		t.Errorf("ops = %s, %s", events[0].Op, events[1].Op)
	}
	if events[1].Revision != 2 || events[1].Source != "test" {
		t.Errorf("event = %+v", events[1])
	}
	if len(events[1].Snapshot.Groups[0].Hosts) != 1 {
		t.Error("snapshot should contain the new host")
	}
}

func TestNoopMutationsDoNotSave(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	g := mustAddGroup(t, s, "dev", true)
	h, err := s.AddHost(ctx, g.ID, HostEntry{IP: "10.0.0.1", Domain: "a.com", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetForwardingProxy(ctx, ProxyConfig{Host: "127.0.0.1", Port: 1080, Protocol: ProtocolSOCKS5}); err != nil {
		t.Fatal(err)
	}
	before, _ := s.Snapshot(ctx)

	var events int
	s.Hub().SetPrimary(func(context.Context, Event) error {
		events++
		return errors.New("daemon down")
	})

	if err := s.SetGroupActive(ctx, g.ID, true); err != nil {
		t.Errorf("SetGroupActive() error = %v", err)
	}
	on := true
	got, err := s.UpdateHost(ctx, g.ID, h.ID, HostPatch{Enabled: &on})
	if err != nil || got != h {
		t.Errorf("UpdateHost() = %+v, %v", got, err)
	}
	if cfg, err := s.SetProxyEnabled(ctx, false); err != nil || cfg.Enabled {
		t.Errorf("SetProxyEnabled() = %+v, %v", cfg, err)
	}
	if err := s.SetShowAddGroupForm(ctx, before.ShowAddGroupForm); err != nil {
		t.Errorf("SetShowAddGroupForm() error = %v", err)
	}

	after, _ := s.Snapshot(ctx)
	if after.Revision != before.Revision {
		t.Errorf("Revision = %d, want %d", after.Revision, before.Revision)
	}
	if events != 0 {
		t.Errorf("events = %d, want none", events)
	}
}

func TestPrimaryFailureIsReportedAfterSave(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	boom := errors.New("supervisor unreachable")
	s.Hub().SetPrimary(func(context.Context, Event) error { return boom })

	g, err := s.AddGroup(ctx, "dev", false)
	var nerr *NotifyError
	if !errors.As(err, &nerr) || !errors.Is(err, boom) {
		t.Fatalf("error = %v, want NotifyError wrapping %v", err, boom)
	}
	if g.ID == "" {
		t.Error("saved group should still be returned")
	}
	doc, _ := s.Snapshot(ctx)
	if len(doc.Groups) != 1 {
		t.Error("group should be persisted")
	}
}

func TestListenerCannotMutate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	var nested error
	s.Hub().Subscribe(func(ctx context.Context, ev Event) {
		_, nested = s.AddGroup(ctx, "from-listener", false)
	})
	mustAddGroup(t, s, "dev", false)

	if !errors.Is(nested, ErrReentrant) {
		t.Errorf("nested mutation error = %v, want ErrReentrant", nested)
	}
	doc, _ := s.Snapshot(ctx)
	if len(doc.Groups) != 1 {
		t.Errorf("groups = %d, want 1", len(doc.Groups))
	}
}

// racingBackend lets another writer in between the first Load and Save.
type racingBackend struct {
	Backend
	once  sync.Once
	other func()
}

func (b *racingBackend) Save(ctx context.Context, doc *Document, expected uint64) error {
	b.once.Do(b.other)
	return b.Backend.Save(ctx, doc, expected)
}

func TestConcurrentAddHostNoLostUpdate(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryBackend(nil)
	setup := NewStore(shared, WithIDGenerator(seqIDs()))
	g := mustAddGroup(t, setup, "dev", true)

	other := NewStore(shared)
	racing := &racingBackend{Backend: shared}
	racing.other = func() {
		if _, err := other.AddHost(ctx, g.ID, HostEntry{IP: "10.0.0.2", Domain: "b.com", Enabled: true}); err != nil {
			t.Errorf("interleaved AddHost error = %v", err)
		}
	}
	first := NewStore(racing)

	if _, err := first.AddHost(ctx, g.ID, HostEntry{IP: "10.0.0.1", Domain: "a.com", Enabled: true}); err != nil {
		t.Fatalf("AddHost() error = %v", err)
	}

	doc, _ := setup.Snapshot(ctx)
	if n := len(doc.Groups[0].Hosts); n != 2 {
		t.Fatalf("hosts = %d, want both writes persisted", n)
	}
	if doc.Revision != 3 {
		t.Errorf("Revision = %d, want 3", doc.Revision)
	}
}

// stuckBackend always reports a conflict.
type stuckBackend struct {
	*MemoryBackend
	saves int
}

func (b *stuckBackend) Save(context.Context, *Document, uint64) error {
	b.saves++
	return ErrConflict
}

func TestConflictSurfacesAfterRetries(t *testing.T) {
	backend := &stuckBackend{MemoryBackend: NewMemoryBackend(nil)}
	s := NewStore(backend, WithMaxRetries(3))

	_, err := s.AddGroup(context.Background(), "dev", false)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	if backend.saves != 3 {
		t.Errorf("saves = %d, want 3", backend.saves)
	}
}

func TestStoreMigrate(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(&Document{
		Groups: []Group{{ID: "g1", Name: "legacy", LegacyEnabled: boolPtr(true)}},
	})
	s := NewStore(backend, WithIDGenerator(seqIDs()))

	changed, err := s.Migrate(ctx)
	if err != nil || !changed {
		t.Fatalf("Migrate() = %v, %v", changed, err)
	}
	changed, err = s.Migrate(ctx)
	if err != nil || changed {
		t.Errorf("second Migrate() = %v, %v, want no change", changed, err)
	}
	doc, _ := backend.Load(ctx)
	if doc.SchemaVersion != SchemaVersion || !doc.IsActive("g1") || doc.Revision != 1 {
		t.Errorf("migrated doc = %+v", doc)
	}
}
