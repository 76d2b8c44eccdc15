// Package supervisor owns the authoritative routing state: the compiled
// mapping and policy derived from the rule store, and the single Policy
// Applier that installs them.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/hostswitch/internal/applier"
	"github.com/user/hostswitch/internal/logger"
	"github.com/user/hostswitch/internal/mapping"
	"github.com/user/hostswitch/internal/pac"
	"github.com/user/hostswitch/internal/rules"
)

// State represents the supervisor state.
type State string

const (
	StateIdle     State = "idle"
	StateApplying State = "applying"
	StateReady    State = "ready"
	StateError    State = "error"
	StateStopped  State = "stopped"
)

// Prober checks the forwarding proxy before it is relied on.
type Prober interface {
	Check(ctx context.Context, cfg rules.ProxyConfig) error
}

// Options configures a Supervisor.
type Options struct {
	Store   *rules.Store
	Applier *applier.Applier
	// Prober is optional; nil skips the forwarding proxy check.
	Prober Prober
	// PollInterval is how often the store revision is compared with the
	// applied one. Zero disables polling.
	PollInterval time.Duration
	// ProbeTimeout bounds one background proxy check.
	ProbeTimeout time.Duration
}

// Supervisor is the state container. Create it with New and call Init once.
type Supervisor struct {
	mu        sync.RWMutex
	recompute sync.Mutex

	store        *rules.Store
	applier      *applier.Applier
	prober       Prober
	pollInterval time.Duration
	probeTimeout time.Duration

	state     State
	revision  uint64
	mapping   mapping.Mapping
	policy    *pac.Policy
	lastApply applier.Result
	lastError error
	warnings  []string
	updatedAt time.Time

	ctx            context.Context
	cancel         context.CancelFunc
	stopPoll       context.CancelFunc
	pollers        atomic.Int32
	statusListener StatusListener
}

// New creates a supervisor in the idle state.
func New(opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Supervisor{
		store:        opts.Store,
		applier:      opts.Applier,
		prober:       opts.Prober,
		pollInterval: opts.PollInterval,
		probeTimeout: opts.ProbeTimeout,
		state:        StateIdle,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetStatusListener sets a callback that will be called on every status change.
func (s *Supervisor) SetStatusListener(listener StatusListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusListener = listener
}

// Init migrates the store, applies the current policy and starts the
// revision poller.
func (s *Supervisor) Init(ctx context.Context) error {
	logger.Info("Supervisor initializing...")

	if _, err := s.store.Migrate(ctx); err != nil {
		logger.Error("Store migration failed: %v", err)
		return err
	}

	_, err := s.Recompute(ctx)
	if err != nil {
		logger.Error("Initial policy apply failed: %v", err)
	}

	if s.pollInterval > 0 {
		pollCtx, stop := context.WithCancel(s.ctx)
		s.mu.Lock()
		if s.stopPoll != nil {
			s.stopPoll()
		}
		s.stopPoll = stop
		s.mu.Unlock()
		logger.SafeGo("storePoller", func() { s.pollLoop(pollCtx) })
	}

	logger.Info("Supervisor initialized (surface %s)", s.applier.SurfaceName())
	return err
}

// Reset drops the derived state and clears the installed policy. The
// supervisor can be initialized again afterwards.
func (s *Supervisor) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.stopPoll != nil {
		s.stopPoll()
		s.stopPoll = nil
	}
	s.mu.Unlock()

	s.recompute.Lock()
	defer s.recompute.Unlock()

	_, err := s.applier.Clear(ctx)

	s.mu.Lock()
	s.state = StateIdle
	s.revision = 0
	s.mapping = mapping.Mapping{}
	s.policy = nil
	s.lastApply = applier.Result{}
	s.lastError = err
	s.warnings = nil
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.broadcastStatus()
	return err
}

// Stop stops polling and removes the policy from the host.
func (s *Supervisor) Stop(ctx context.Context) error {
	logger.Info("Stopping supervisor...")
	s.cancel()

	err := s.Reset(ctx)
	if err != nil {
		logger.Error("Failed to clear routing policy on shutdown: %v", err)
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.broadcastStatus()

	logger.Info("Supervisor stopped")
	return err
}

// HandleChange is the primary change handler for a store living in the
// same process.
func (s *Supervisor) HandleChange(ctx context.Context, ev rules.Event) error {
	logger.Debug("Change %s from %q at revision %d", ev.Op, ev.Source, ev.Revision)
	_, err := s.Refresh(context.WithoutCancel(ctx))
	return err
}

// Recompute reloads the store, rebuilds mapping and policy and always
// applies the result.
func (s *Supervisor) Recompute(ctx context.Context) (*Status, error) {
	return s.run(ctx, true)
}

// Refresh is Recompute for background triggers: nothing happens when the
// applied revision is current, and the applier is not called when the new
// revision compiles to the same policy.
func (s *Supervisor) Refresh(ctx context.Context) (*Status, error) {
	return s.run(ctx, false)
}

func (s *Supervisor) run(ctx context.Context, force bool) (*Status, error) {
	s.recompute.Lock()
	defer s.recompute.Unlock()

	doc, err := s.store.Snapshot(ctx)
	if err != nil {
		s.setError(err)
		return s.GetStatus(), err
	}

	s.mu.RLock()
	ready := s.state == StateReady
	sameRevision := s.revision == doc.Revision
	current := s.policy
	s.mu.RUnlock()
	if !force && ready && sameRevision {
		return s.GetStatus(), nil
	}

	m := mapping.FromDocument(doc)
	policy, err := pac.Compile(m, doc.Proxy)
	if err != nil {
		s.setError(err)
		return s.GetStatus(), err
	}

	var result applier.Result
	if !force && ready && policy.Equal(current) {
		result = s.applier.Last()
		logger.Debug("Policy unchanged at revision %d, skipping apply", doc.Revision)
	} else {
		s.mu.Lock()
		s.state = StateApplying
		s.mu.Unlock()

		result, err = s.applier.Apply(ctx, policy, doc.Revision)
		if err != nil {
			s.setError(err)
			return s.GetStatus(), err
		}
	}

	s.mu.Lock()
	s.state = StateReady
	s.revision = doc.Revision
	s.mapping = m
	s.policy = policy
	s.lastApply = result
	s.lastError = nil
	s.warnings = nil
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.broadcastStatus()

	if doc.Proxy.Enabled && s.prober != nil {
		revision := doc.Revision
		proxy := doc.Proxy
		logger.SafeGo("proxyProbe", func() { s.probe(revision, proxy) })
	}
	return s.GetStatus(), nil
}

// probe checks the forwarding proxy and records a warning if it is down.
// Routing is left in place; the warning is advisory.
func (s *Supervisor) probe(revision uint64, cfg rules.ProxyConfig) {
	ctx, cancel := context.WithTimeout(s.ctx, s.probeTimeout)
	defer cancel()

	err := s.prober.Check(ctx, cfg)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	logger.Warning("Forwarding proxy check failed: %v", err)

	s.mu.Lock()
	if s.revision != revision {
		s.mu.Unlock()
		return
	}
	s.warnings = append(s.warnings, "forwarding proxy unreachable: "+err.Error())
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.broadcastStatus()
}

func (s *Supervisor) pollLoop(ctx context.Context) {
	s.pollers.Add(1)
	defer s.pollers.Add(-1)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				logger.Warning("Store poll failed: %v", err)
			}
		}
	}
}

// Policy returns the policy currently applied, or nil.
func (s *Supervisor) Policy() *pac.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Mapping returns the mapping currently applied.
func (s *Supervisor) Mapping() mapping.Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapping
}

// Resolve evaluates the applied policy for host. Without a policy every
// connection is direct.
func (s *Supervisor) Resolve(url, host string) string {
	p := s.Policy()
	if p == nil {
		return pac.Direct
	}
	return p.Evaluate(url, host)
}
