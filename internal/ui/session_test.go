package ui

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/hostswitch/internal/importer"
	"github.com/user/hostswitch/internal/messenger"
	"github.com/user/hostswitch/internal/rules"
)

type fakeToggle struct {
	mu      sync.Mutex
	checked bool
	history []bool
}

func (f *fakeToggle) Checked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checked
}

func (f *fakeToggle) SetChecked(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = v
	f.history = append(f.history, v)
}

// fakeNotifier records the attempt budget of every call.
type fakeNotifier struct {
	mu       sync.Mutex
	err      error
	block    chan struct{}
	entered  chan struct{}
	attempts []int
}

func (f *fakeNotifier) UpdateProxySettings(ctx context.Context, opts ...messenger.Option) (messenger.Response, error) {
	o := messenger.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	f.mu.Lock()
	f.attempts = append(f.attempts, o.MaxAttempts)
	err := f.err
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if err != nil {
		return messenger.Response{}, err
	}
	return messenger.Response{Success: true}, nil
}

func newSession(t *testing.T, n *fakeNotifier) *Session {
	t.Helper()
	store := rules.NewStore(rules.NewMemoryBackend(nil))
	return NewSession(store, n, SessionOptions{})
}

func TestBusyRejectsSecondAction(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	s := newSession(t, n)
	g, err := s.AddGroup(ctx, "dev", false)
	if err != nil {
		t.Fatalf("AddGroup() error = %v", err)
	}

	n.block = make(chan struct{})
	n.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.SetGroupActive(ctx, g.ID, true, nil)
	}()
	select {
	case <-n.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first action never reached the notifier")
	}

	toggle := &fakeToggle{checked: false}
	err = s.SetProxyEnabled(ctx, true, toggle)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second action error = %v, want ErrBusy", err)
	}
	if toggle.Checked() {
		t.Error("rejected toggle should be restored")
	}
	if len(toggle.history) != 2 || toggle.history[0] != true {
		t.Errorf("toggle history = %v, want optimistic set then revert", toggle.history)
	}

	close(n.block)
	if err := <-done; err != nil {
		t.Fatalf("first action error = %v", err)
	}
	if s.Busy() {
		t.Error("session still busy after the action finished")
	}
}

func TestToggleFailureRevertsViewAndStore(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	s := newSession(t, n)
	g, err := s.AddGroup(ctx, "dev", false)
	if err != nil {
		t.Fatal(err)
	}

	n.err = &messenger.CommunicationError{Attempts: 3, Last: errors.New("connection refused")}
	toggle := &fakeToggle{}
	err = s.SetGroupActive(ctx, g.ID, true, toggle)
	if !errors.Is(err, messenger.ErrCommunication) {
		t.Fatalf("error = %v, want ErrCommunication", err)
	}
	var nerr *rules.NotifyError
	if !errors.As(err, &nerr) {
		t.Fatalf("error = %T, want a wrapped NotifyError", err)
	}
	if toggle.Checked() {
		t.Error("toggle should be reverted after a failed notification")
	}

	doc, _ := s.Store().Snapshot(ctx)
	if doc.IsActive(g.ID) {
		t.Error("store change should be rolled back")
	}
}

func TestFailedToggleRestoresPriorValue(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	s := newSession(t, n)
	g, err := s.AddGroup(ctx, "dev", true)
	if err != nil {
		t.Fatal(err)
	}
	cfg := rules.DefaultProxyConfig()
	cfg.Host = "127.0.0.1"
	if err := s.SetForwardingProxy(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if err := s.SetProxyEnabled(ctx, true, nil); err != nil {
		t.Fatal(err)
	}
	n.err = &messenger.CommunicationError{Attempts: 3, Last: errors.New("daemon down")}

	// Requests matching the stored value write nothing and cannot fail.
	if err := s.SetGroupActive(ctx, g.ID, true, &fakeToggle{checked: true}); err != nil {
		t.Errorf("SetGroupActive(true) on an active group error = %v", err)
	}
	if err := s.SetProxyEnabled(ctx, true, &fakeToggle{checked: true}); err != nil {
		t.Errorf("SetProxyEnabled(true) on an enabled proxy error = %v", err)
	}
	doc, _ := s.Store().Snapshot(ctx)
	if !doc.IsActive(g.ID) || !doc.Proxy.Enabled {
		t.Fatalf("active = %v, proxy enabled = %v, want both unchanged", doc.IsActive(g.ID), doc.Proxy.Enabled)
	}

	toggle := &fakeToggle{checked: true}
	if err := s.SetGroupActive(ctx, g.ID, false, toggle); !errors.Is(err, messenger.ErrCommunication) {
		t.Fatalf("SetGroupActive(false) error = %v, want ErrCommunication", err)
	}
	if !toggle.Checked() {
		t.Error("toggle should be back on")
	}
	doc, _ = s.Store().Snapshot(ctx)
	if !doc.IsActive(g.ID) {
		t.Error("group should be active again after the rollback")
	}
}

func TestValidationFailureRevertsToggle(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, &fakeNotifier{})

	toggle := &fakeToggle{}
	err := s.SetProxyEnabled(ctx, true, toggle)
	if !errors.Is(err, rules.ErrValidation) {
		t.Fatalf("enable without host error = %v, want ErrValidation", err)
	}
	if toggle.Checked() {
		t.Error("toggle should be reverted")
	}
}

func TestProxyToggleUsesLargerAttemptBudget(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	s := newSession(t, n)

	if _, err := s.AddGroup(ctx, "dev", true); err != nil {
		t.Fatal(err)
	}
	cfg := rules.DefaultProxyConfig()
	cfg.Host = "127.0.0.1"
	if err := s.SetForwardingProxy(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	toggle := &fakeToggle{}
	if err := s.SetProxyEnabled(ctx, true, toggle); err != nil {
		t.Fatalf("SetProxyEnabled() error = %v", err)
	}
	if !toggle.Checked() {
		t.Error("toggle should stay checked on success")
	}

	want := []int{messenger.DefaultMaxAttempts, messenger.ToggleProxyAttempts, messenger.ToggleProxyAttempts}
	if len(n.attempts) != len(want) {
		t.Fatalf("notifications = %v, want %v", n.attempts, want)
	}
	for i := range want {
		if n.attempts[i] != want[i] {
			t.Errorf("notification %d attempts = %d, want %d", i, n.attempts[i], want[i])
		}
	}
}

func TestImportIntoGroup(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, &fakeNotifier{})
	g, err := s.AddGroup(ctx, "lab", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddHost(ctx, g.ID, rules.HostEntry{IP: "10.0.0.1", Domain: "a.lab", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "hosts")
	data := "10.0.0.1 a.lab\n10.0.0.2 b.lab c.lab\nbogus line here\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	src, err := importer.ParseSource(path)
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Import(ctx, g.ID, src, importer.SSHOptions{})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if report.Added != 2 || report.Duplicates != 1 || len(report.Invalid) != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestSubscribeSeesLocalChanges(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, &fakeNotifier{})

	var got []string
	unsub := s.Subscribe(func(_ context.Context, ev rules.Event) {
		got = append(got, ev.Op)
	})
	if _, err := s.AddGroup(ctx, "dev", false); err != nil {
		t.Fatal(err)
	}
	unsub()
	if _, err := s.AddGroup(ctx, "ops", false); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != rules.OpAddGroup {
		t.Errorf("events = %v, want one add-group", got)
	}
}

func TestDescribe(t *testing.T) {
	comm := &rules.NotifyError{Revision: 4, Err: &messenger.CommunicationError{Attempts: 3, Last: errors.New("eof")}}
	if got := Describe(comm); got != "The hostswitch daemon did not respond after 3 attempts." {
		t.Errorf("Describe(comm) = %q", got)
	}
	if got := Describe(ErrBusy); got == ErrBusy.Error() {
		t.Errorf("Describe(ErrBusy) should be user facing, got %q", got)
	}
	apply := &messenger.ApplyError{Action: messenger.ActionUpdateProxySettings, Message: "gsettings missing"}
	if got := Describe(apply); got != "The daemon could not apply the routing policy: gsettings missing" {
		t.Errorf("Describe(apply) = %q", got)
	}
}
