// Package ui holds the UI context side of hostswitch: a session that
// serializes user actions against the shared store and the tray menu.
package ui

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/user/hostswitch/internal/feed"
	"github.com/user/hostswitch/internal/importer"
	"github.com/user/hostswitch/internal/logger"
	"github.com/user/hostswitch/internal/messenger"
	"github.com/user/hostswitch/internal/rules"
	"github.com/user/hostswitch/internal/supervisor"
)

// ErrBusy is returned when an action arrives while another one runs.
var ErrBusy = errors.New("another operation is in progress")

// Toggle is a two-state control shown to the user, such as a tray checkbox.
type Toggle interface {
	Checked() bool
	SetChecked(bool)
}

// Notifier asks the supervisor to recompute. *messenger.Client implements it.
type Notifier interface {
	UpdateProxySettings(ctx context.Context, opts ...messenger.Option) (messenger.Response, error)
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// ProxyToggleAttempts is the attempt budget for proxy on/off changes.
	ProxyToggleAttempts int
}

// Session is one UI context. Only one user action runs at a time; a second
// one is rejected with ErrBusy rather than queued.
type Session struct {
	store    *rules.Store
	notifier Notifier
	opts     SessionOptions
	busy     atomic.Bool
}

// NewSession wires store changes to the supervisor: the notifier becomes
// the store hub's primary handler.
func NewSession(store *rules.Store, notifier Notifier, opts SessionOptions) *Session {
	if opts.ProxyToggleAttempts < 1 {
		opts.ProxyToggleAttempts = messenger.ToggleProxyAttempts
	}
	s := &Session{store: store, notifier: notifier, opts: opts}
	store.Hub().SetPrimary(s.notify)
	return s
}

// Store returns the underlying store for reads.
func (s *Session) Store() *rules.Store {
	return s.store
}

// Busy reports whether an action is in flight.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

func (s *Session) notify(ctx context.Context, ev rules.Event) error {
	var opts []messenger.Option
	if ev.Op == rules.OpSetProxy {
		opts = append(opts, messenger.WithMaxAttempts(s.opts.ProxyToggleAttempts))
	}
	_, err := s.notifier.UpdateProxySettings(ctx, opts...)
	return err
}

// run executes fn under the busy flag.
func (s *Session) run(name string, fn func() error) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	if err := fn(); err != nil {
		logger.Error("%s failed: %v", name, err)
		return err
	}
	return nil
}

// toggle flips t to want before running fn and restores the prior value
// when the action is rejected or fails.
func (s *Session) toggle(name string, t Toggle, want bool, fn func() error) error {
	prev := want
	if t != nil {
		prev = t.Checked()
		t.SetChecked(want)
	}
	err := s.run(name, fn)
	if err != nil && t != nil {
		t.SetChecked(prev)
	}
	return err
}

// AddGroup creates a group.
func (s *Session) AddGroup(ctx context.Context, name string, makeActive bool) (rules.Group, error) {
	var g rules.Group
	err := s.run("add-group", func() (err error) {
		g, err = s.store.AddGroup(ctx, name, makeActive)
		return err
	})
	return g, err
}

// RenameGroup renames a group.
func (s *Session) RenameGroup(ctx context.Context, id, name string) error {
	return s.run("rename-group", func() error {
		return s.store.RenameGroup(ctx, id, name)
	})
}

// DeleteGroup removes a group.
func (s *Session) DeleteGroup(ctx context.Context, id string) error {
	return s.run("delete-group", func() error {
		return s.store.DeleteGroup(ctx, id)
	})
}

// SetGroupActive activates or deactivates a group. When the supervisor
// cannot be reached the store change is rolled back along with t.
func (s *Session) SetGroupActive(ctx context.Context, id string, active bool, t Toggle) error {
	return s.toggle("set-group-active", t, active, func() error {
		doc, err := s.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		prev := doc.IsActive(id)
		err = s.store.SetGroupActive(ctx, id, active)
		return s.rollback(ctx, err, func(ctx context.Context) error {
			return s.store.SetGroupActive(ctx, id, prev)
		})
	})
}

// AddHost adds an override to a group.
func (s *Session) AddHost(ctx context.Context, groupID string, h rules.HostEntry) (rules.HostEntry, error) {
	var added rules.HostEntry
	err := s.run("add-host", func() (err error) {
		added, err = s.store.AddHost(ctx, groupID, h)
		return err
	})
	return added, err
}

// UpdateHost edits an override.
func (s *Session) UpdateHost(ctx context.Context, groupID, hostID string, patch rules.HostPatch) (rules.HostEntry, error) {
	var updated rules.HostEntry
	err := s.run("update-host", func() (err error) {
		updated, err = s.store.UpdateHost(ctx, groupID, hostID, patch)
		return err
	})
	return updated, err
}

// SetHostEnabled enables or disables one override.
func (s *Session) SetHostEnabled(ctx context.Context, groupID, hostID string, enabled bool, t Toggle) error {
	return s.toggle("set-host-enabled", t, enabled, func() error {
		prev, err := s.hostEnabled(ctx, groupID, hostID)
		if err != nil {
			return err
		}
		_, err = s.store.UpdateHost(ctx, groupID, hostID, rules.HostPatch{Enabled: &enabled})
		return s.rollback(ctx, err, func(ctx context.Context) error {
			_, err := s.store.UpdateHost(ctx, groupID, hostID, rules.HostPatch{Enabled: &prev})
			return err
		})
	})
}

// ToggleHost flips one override.
func (s *Session) ToggleHost(ctx context.Context, groupID, hostID string) (rules.HostEntry, error) {
	var h rules.HostEntry
	err := s.run("toggle-host", func() (err error) {
		h, err = s.store.ToggleHost(ctx, groupID, hostID)
		return err
	})
	return h, err
}

// DeleteHost removes an override.
func (s *Session) DeleteHost(ctx context.Context, groupID, hostID string) error {
	return s.run("delete-host", func() error {
		return s.store.DeleteHost(ctx, groupID, hostID)
	})
}

// SetForwardingProxy replaces the forwarding proxy settings.
func (s *Session) SetForwardingProxy(ctx context.Context, cfg rules.ProxyConfig) error {
	return s.run("set-proxy", func() error {
		return s.store.SetForwardingProxy(ctx, cfg)
	})
}

// SetProxyEnabled switches the forwarding proxy on or off.
func (s *Session) SetProxyEnabled(ctx context.Context, enabled bool, t Toggle) error {
	return s.toggle("set-proxy-enabled", t, enabled, func() error {
		prev, err := s.store.ForwardingProxy(ctx)
		if err != nil {
			return err
		}
		_, err = s.store.SetProxyEnabled(ctx, enabled)
		return s.rollback(ctx, err, func(ctx context.Context) error {
			_, err := s.store.SetProxyEnabled(ctx, prev.Enabled)
			return err
		})
	})
}

// Import loads a hosts file into a group. It returns how many entries were
// added and how many were already present.
func (s *Session) Import(ctx context.Context, groupID string, src importer.Source, opts importer.SSHOptions) (*ImportReport, error) {
	report := &ImportReport{}
	err := s.run("import", func() error {
		res, err := importer.Load(ctx, src, opts)
		if err != nil {
			return err
		}
		report.Invalid = res.Skipped
		if len(res.Entries) == 0 {
			return nil
		}
		added, dup, err := s.store.AddHosts(ctx, groupID, res.Entries)
		report.Added = len(added)
		report.Duplicates = dup
		return err
	})
	return report, err
}

// ImportReport summarizes an Import.
type ImportReport struct {
	Added      int
	Duplicates int
	Invalid    []string
}

func (s *Session) hostEnabled(ctx context.Context, groupID, hostID string) (bool, error) {
	doc, err := s.store.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	gi := doc.GroupIndex(groupID)
	if gi < 0 {
		return false, &rules.NotFoundError{Kind: "group", ID: groupID}
	}
	hi := doc.Groups[gi].HostIndex(hostID)
	if hi < 0 {
		return false, &rules.NotFoundError{Kind: "host", ID: hostID}
	}
	return doc.Groups[gi].Hosts[hi].Enabled, nil
}

// rollback undoes a saved change whose supervisor notification failed, so
// the store matches the reverted control. The original error is returned.
func (s *Session) rollback(ctx context.Context, err error, undo func(ctx context.Context) error) error {
	var nerr *rules.NotifyError
	if !errors.As(err, &nerr) {
		return err
	}
	undoErr := undo(context.WithoutCancel(ctx))
	var undoNotify *rules.NotifyError
	if undoErr != nil && !errors.As(undoErr, &undoNotify) {
		logger.Error("Failed to roll back revision %d: %v", nerr.Revision, undoErr)
	}
	return err
}

// Subscribe registers a read-only listener for local store changes.
func (s *Session) Subscribe(fn func(ctx context.Context, ev rules.Event)) (unsubscribe func()) {
	return s.store.Hub().Subscribe(fn)
}

// WatchStatus follows the supervisor change feed at baseURL and calls fn
// with every status it reports. It returns when ctx ends.
func WatchStatus(ctx context.Context, baseURL string, fn func(*supervisor.Status)) error {
	return feed.Watch(ctx, feed.URL(baseURL), 2*time.Second, func(ev feed.Event) {
		if ev.Type != feed.TypeStatus {
			return
		}
		var st supervisor.Status
		if err := ev.Decode(&st); err != nil {
			logger.Warning("Ignoring malformed status event %s: %v", ev.ID, err)
			return
		}
		fn(&st)
	})
}

// Describe renders an error for a user-facing message.
func Describe(err error) string {
	var comm *messenger.CommunicationError
	var apply *messenger.ApplyError
	var nerr *rules.NotifyError
	switch {
	case errors.Is(err, ErrBusy):
		return "Another change is still being applied, try again."
	case errors.As(err, &comm):
		return fmt.Sprintf("The hostswitch daemon did not respond after %d attempts.", comm.Attempts)
	case errors.As(err, &apply):
		return "The daemon could not apply the routing policy: " + apply.Message
	case errors.Is(err, rules.ErrValidation), errors.Is(err, rules.ErrNotFound):
		return err.Error()
	case errors.As(err, &nerr):
		return fmt.Sprintf("Saved revision %d but the daemon was not updated: %v", nerr.Revision, nerr.Err)
	}
	return err.Error()
}

// Resync asks the supervisor to recompute without changing the store.
func (s *Session) Resync(ctx context.Context) error {
	return s.run("resync", func() error {
		_, err := s.notifier.UpdateProxySettings(ctx)
		return err
	})
}
