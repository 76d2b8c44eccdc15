package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/user/hostswitch/internal/logger"
	"github.com/user/hostswitch/internal/notify"
)

// DefaultMaxRetries bounds the compare-and-swap loop of a single mutation.
const DefaultMaxRetries = 5

// Event is the change notification published after every successful write.
// Snapshot is a private copy; listeners may read but not mutate the store.
type Event = notify.Event[*Document]

// Hub is the change notifier the store publishes to.
type Hub = notify.Hub[*Document]

// NewHub creates an empty change notifier.
func NewHub() *Hub {
	return notify.NewHub[*Document]()
}

// Mutation names carried in Event.Op.
const (
	OpAddGroup         = "addGroup"
	OpUpdateGroup      = "updateGroup"
	OpDeleteGroup      = "deleteGroup"
	OpSetGroupActive   = "setGroupActive"
	OpAddHost          = "addHost"
	OpAddHosts         = "addHosts"
	OpUpdateHost       = "updateHost"
	OpDeleteHost       = "deleteHost"
	OpSetProxy         = "setForwardingProxy"
	OpSetShowGroupForm = "setShowAddGroupForm"
)

// NotifyError is returned when a change was saved but the primary change
// handler failed. The store holds the new revision.
type NotifyError struct {
	Revision uint64
	Err      error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("saved revision %d but the change was not applied: %v", e.Revision, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

// GroupPatch holds the group fields to change; nil fields are kept.
type GroupPatch struct {
	Name *string
}

// HostPatch holds the host fields to change; nil fields are kept.
type HostPatch struct {
	IP      *string
	Domain  *string
	Enabled *bool
}

// Store is the validated, revision-checked view over a Backend.
type Store struct {
	backend    Backend
	hub        *Hub
	source     string
	newID      func() string
	maxRetries int
}

// Option configures a Store.
type Option func(*Store)

// WithHub publishes changes to hub instead of a private one.
func WithHub(hub *Hub) Option {
	return func(s *Store) { s.hub = hub }
}

// WithSource names the context that performs writes, carried in events.
func WithSource(source string) Option {
	return func(s *Store) { s.source = source }
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithMaxRetries sets the compare-and-swap attempt budget.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewStore creates a store over backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		newID:      uuid.NewString,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub()
	}
	return s
}

// Hub returns the change notifier.
func (s *Store) Hub() *Hub {
	return s.hub
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// load reads the document and upgrades the in-memory copy.
func (s *Store) load(ctx context.Context) (*Document, error) {
	doc, err := s.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	Migrate(doc, s.newID)
	return doc, nil
}

// mutate applies fn to a fresh copy of the document and saves it if nobody
// wrote in between, retrying on conflict.
func (s *Store) mutate(ctx context.Context, op string, fn func(doc *Document) error) (*Document, error) {
	if notify.Dispatching(ctx) {
		return nil, ErrReentrant
	}

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		doc, err := s.backend.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
		expected := doc.Revision
		Migrate(doc, s.newID)

		if err := fn(doc); errors.Is(err, errUnchanged) {
			logger.Debug("Store %s: no change at revision %d", op, expected)
			return doc, nil
		} else if err != nil {
			return nil, err
		}
		doc.Revision = expected + 1

		err = s.backend.Save(ctx, doc, expected)
		if errors.Is(err, ErrConflict) {
			logger.Warning("Store %s: revision %d changed underneath (attempt %d/%d)", op, expected, attempt, s.maxRetries)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to save store: %w", err)
		}

		logger.Debug("Store %s: saved revision %d", op, doc.Revision)
		ev := Event{Revision: doc.Revision, Op: op, Source: s.source, Snapshot: doc.Clone()}
		if err := s.hub.Publish(ctx, ev); err != nil {
			return doc, &NotifyError{Revision: doc.Revision, Err: err}
		}
		return doc, nil
	}
	return nil, fmt.Errorf("%s: %w after %d attempts", op, ErrConflict, s.maxRetries)
}

// Snapshot returns a private copy of the current document.
func (s *Store) Snapshot(ctx context.Context) (*Document, error) {
	doc, err := s.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	return doc, nil
}

// Touch pokes the backend; used to wake a sleeping peer.
func (s *Store) Touch(ctx context.Context) error {
	return s.backend.Touch(ctx)
}

// Migrate upgrades the persisted document if needed and reports whether it
// wrote. Migrations do not fire the change notifier.
func (s *Store) Migrate(ctx context.Context) (bool, error) {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		doc, err := s.backend.Load(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to load store: %w", err)
		}
		expected := doc.Revision
		if !Migrate(doc, s.newID) {
			return false, nil
		}
		doc.Revision = expected + 1
		err = s.backend.Save(ctx, doc, expected)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to save migrated store: %w", err)
		}
		logger.Info("Store migrated to schema %d (revision %d)", SchemaVersion, doc.Revision)
		return true, nil
	}
	return false, fmt.Errorf("migrate: %w after %d attempts", ErrConflict, s.maxRetries)
}

// AddGroup creates a group with a unique, non-empty name.
func (s *Store) AddGroup(ctx context.Context, name string, makeActive bool) (Group, error) {
	name = strings.TrimSpace(name)
	if err := ValidateGroupName(name); err != nil {
		return Group{}, err
	}

	var added Group
	_, err := s.mutate(ctx, OpAddGroup, func(doc *Document) error {
		if err := checkUniqueName(doc, name, ""); err != nil {
			return err
		}
		added = Group{ID: s.newID(), Name: name, Hosts: []HostEntry{}}
		doc.Groups = append(doc.Groups, added)
		if makeActive {
			doc.ActiveGroups = append(doc.ActiveGroups, added.ID)
		}
		return nil
	})
	return added, err
}

// RenameGroup changes a group's name.
func (s *Store) RenameGroup(ctx context.Context, id, name string) error {
	return s.UpdateGroup(ctx, id, GroupPatch{Name: &name})
}

// UpdateGroup applies a partial update to a group.
func (s *Store) UpdateGroup(ctx context.Context, id string, patch GroupPatch) error {
	var name string
	if patch.Name != nil {
		name = strings.TrimSpace(*patch.Name)
		if err := ValidateGroupName(name); err != nil {
			return err
		}
	}

	_, err := s.mutate(ctx, OpUpdateGroup, func(doc *Document) error {
		i := doc.GroupIndex(id)
		if i < 0 {
			return groupNotFound(id)
		}
		if patch.Name != nil {
			if err := checkUniqueName(doc, name, id); err != nil {
				return err
			}
			doc.Groups[i].Name = name
		}
		return nil
	})
	return err
}

// DeleteGroup removes a group and drops it from the active set.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, OpDeleteGroup, func(doc *Document) error {
		i := doc.GroupIndex(id)
		if i < 0 {
			return groupNotFound(id)
		}
		doc.Groups = append(doc.Groups[:i], doc.Groups[i+1:]...)
		pruneActive(doc)
		return nil
	})
	return err
}

// SetGroupActive adds the group to or removes it from the active set.
func (s *Store) SetGroupActive(ctx context.Context, id string, active bool) error {
	_, err := s.mutate(ctx, OpSetGroupActive, func(doc *Document) error {
		if doc.GroupIndex(id) < 0 {
			return groupNotFound(id)
		}
		if active == doc.IsActive(id) {
			return errUnchanged
		}
		if active {
			doc.ActiveGroups = append(doc.ActiveGroups, id)
			return nil
		}
		kept := make([]string, 0, len(doc.ActiveGroups))
		for _, a := range doc.ActiveGroups {
			if a != id {
				kept = append(kept, a)
			}
		}
		doc.ActiveGroups = kept
		return nil
	})
	return err
}

// AddHost appends an entry to a group. The returned entry carries its id.
func (s *Store) AddHost(ctx context.Context, groupID string, host HostEntry) (HostEntry, error) {
	host = normalizeHost(host)
	if err := ValidateHost(host); err != nil {
		return HostEntry{}, err
	}

	var added HostEntry
	_, err := s.mutate(ctx, OpAddHost, func(doc *Document) error {
		i := doc.GroupIndex(groupID)
		if i < 0 {
			return groupNotFound(groupID)
		}
		g := &doc.Groups[i]
		if hasDuplicate(g, host, "") {
			return invalid("host", host.Domain+" "+host.IP, "entry already exists in group "+g.Name)
		}
		added = host
		added.ID = s.newID()
		g.Hosts = append(g.Hosts, added)
		return nil
	})
	return added, err
}

// AddHosts appends many entries in one write. Entries already present are
// skipped and counted; any invalid entry rejects the whole batch.
func (s *Store) AddHosts(ctx context.Context, groupID string, hosts []HostEntry) ([]HostEntry, int, error) {
	normalized := make([]HostEntry, len(hosts))
	for i, h := range hosts {
		h = normalizeHost(h)
		if err := ValidateHost(h); err != nil {
			return nil, 0, err
		}
		normalized[i] = h
	}

	var added []HostEntry
	var skipped int
	_, err := s.mutate(ctx, OpAddHosts, func(doc *Document) error {
		added, skipped = nil, 0
		i := doc.GroupIndex(groupID)
		if i < 0 {
			return groupNotFound(groupID)
		}
		g := &doc.Groups[i]
		for _, h := range normalized {
			if hasDuplicate(g, h, "") {
				skipped++
				continue
			}
			h.ID = s.newID()
			g.Hosts = append(g.Hosts, h)
			added = append(added, h)
		}
		return nil
	})
	return added, skipped, err
}

// UpdateHost applies a partial update to an entry and returns the result.
func (s *Store) UpdateHost(ctx context.Context, groupID, hostID string, patch HostPatch) (HostEntry, error) {
	var updated HostEntry
	_, err := s.mutate(ctx, OpUpdateHost, func(doc *Document) error {
		gi := doc.GroupIndex(groupID)
		if gi < 0 {
			return groupNotFound(groupID)
		}
		g := &doc.Groups[gi]
		hi := g.HostIndex(hostID)
		if hi < 0 {
			return hostNotFound(hostID)
		}

		h := g.Hosts[hi]
		if patch.IP != nil {
			h.IP = *patch.IP
		}
		if patch.Domain != nil {
			h.Domain = *patch.Domain
		}
		if patch.Enabled != nil {
			h.Enabled = *patch.Enabled
		}
		h = normalizeHost(h)
		if err := ValidateHost(h); err != nil {
			return err
		}
		if h == g.Hosts[hi] {
			updated = h
			return errUnchanged
		}
		if hasDuplicate(g, h, hostID) {
			return invalid("host", h.Domain+" "+h.IP, "entry already exists in group "+g.Name)
		}
		g.Hosts[hi] = h
		updated = h
		return nil
	})
	return updated, err
}

// ToggleHost flips an entry's enabled flag.
func (s *Store) ToggleHost(ctx context.Context, groupID, hostID string) (HostEntry, error) {
	var toggled HostEntry
	_, err := s.mutate(ctx, OpUpdateHost, func(doc *Document) error {
		gi := doc.GroupIndex(groupID)
		if gi < 0 {
			return groupNotFound(groupID)
		}
		g := &doc.Groups[gi]
		hi := g.HostIndex(hostID)
		if hi < 0 {
			return hostNotFound(hostID)
		}
		g.Hosts[hi].Enabled = !g.Hosts[hi].Enabled
		toggled = g.Hosts[hi]
		return nil
	})
	return toggled, err
}

// DeleteHost removes an entry from a group.
func (s *Store) DeleteHost(ctx context.Context, groupID, hostID string) error {
	_, err := s.mutate(ctx, OpDeleteHost, func(doc *Document) error {
		gi := doc.GroupIndex(groupID)
		if gi < 0 {
			return groupNotFound(groupID)
		}
		g := &doc.Groups[gi]
		hi := g.HostIndex(hostID)
		if hi < 0 {
			return hostNotFound(hostID)
		}
		g.Hosts = append(g.Hosts[:hi], g.Hosts[hi+1:]...)
		return nil
	})
	return err
}

// ForwardingProxy returns the current forwarding proxy settings.
func (s *Store) ForwardingProxy(ctx context.Context) (ProxyConfig, error) {
	doc, err := s.Snapshot(ctx)
	if err != nil {
		return ProxyConfig{}, err
	}
	return doc.Proxy, nil
}

// SetForwardingProxy validates and replaces the forwarding proxy settings.
func (s *Store) SetForwardingProxy(ctx context.Context, cfg ProxyConfig) error {
	cfg = cfg.Clone()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := s.mutate(ctx, OpSetProxy, func(doc *Document) error {
		doc.Proxy = cfg
		return nil
	})
	return err
}

// SetProxyEnabled flips only the enabled switch of the forwarding proxy.
func (s *Store) SetProxyEnabled(ctx context.Context, enabled bool) (ProxyConfig, error) {
	var out ProxyConfig
	_, err := s.mutate(ctx, OpSetProxy, func(doc *Document) error {
		cfg := doc.Proxy.Clone()
		if cfg.Enabled == enabled {
			out = cfg
			return errUnchanged
		}
		cfg.Enabled = enabled
		if err := cfg.Validate(); err != nil {
			return err
		}
		doc.Proxy = cfg
		out = cfg
		return nil
	})
	return out, err
}

// SetShowAddGroupForm persists the UI flag for the add-group form.
func (s *Store) SetShowAddGroupForm(ctx context.Context, show bool) error {
	_, err := s.mutate(ctx, OpSetShowGroupForm, func(doc *Document) error {
		if doc.ShowAddGroupForm == show {
			return errUnchanged
		}
		doc.ShowAddGroupForm = show
		return nil
	})
	return err
}

func checkUniqueName(doc *Document, name, exceptID string) error {
	for _, g := range doc.Groups {
		if g.ID != exceptID && g.Name == name {
			return invalid("name", name, "a group with this name already exists")
		}
	}
	return nil
}

func hasDuplicate(g *Group, h HostEntry, exceptID string) bool {
	for _, o := range g.Hosts {
		if o.ID != exceptID && o.IP == h.IP && o.Domain == h.Domain {
			return true
		}
	}
	return false
}
