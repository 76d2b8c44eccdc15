// Package messenger carries requests from UI contexts to the supervisor.
//
// Delivery is at-least-once: an attempt that times out is abandoned, not
// cancelled on the supervisor side, so handlers must be idempotent.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/hostswitch/internal/applier"
	"github.com/user/hostswitch/internal/logger"
)

// ActionUpdateProxySettings asks the supervisor to recompute and apply.
const ActionUpdateProxySettings = "updateProxySettings"

// Attempt budgets used by the UI.
const (
	DefaultMaxAttempts  = 3
	ToggleProxyAttempts = 5
)

// Request is the message body.
type Request struct {
	Action string `json:"action"`
}

// Response is the supervisor's answer.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ErrCommunication marks a request that never got a well-formed answer.
var ErrCommunication = errors.New("messenger: no response from supervisor")

// CommunicationError is returned after the last failed attempt.
type CommunicationError struct {
	Attempts int
	Last     error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("no response from supervisor after %d attempts: %v", e.Attempts, e.Last)
}

func (e *CommunicationError) Unwrap() []error {
	return []error{ErrCommunication, e.Last}
}

// ApplyError is a supervisor answer with success=false. It matches
// applier.ErrApply and is never retried.
type ApplyError struct {
	Action  string
	Message string
}

func (e *ApplyError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("supervisor failed to handle %s", e.Action)
	}
	return fmt.Sprintf("supervisor failed to handle %s: %s", e.Action, e.Message)
}

func (e *ApplyError) Unwrap() error {
	return applier.ErrApply
}

// State is a step of the send state machine.
type State int

const (
	StateIdle State = iota
	StateSending
	StateRetrying
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateRetrying:
		return "retrying"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	BackoffFixed  Backoff = "fixed"
	BackoffLinear Backoff = "linear"
)

// Options controls one Send.
type Options struct {
	MaxAttempts    int
	Delay          time.Duration
	Backoff        Backoff
	AttemptTimeout time.Duration
	// Wake runs once before the first attempt. Its error is only logged.
	Wake func(ctx context.Context) error
	// OnState observes state transitions.
	OnState func(state State, attempt int)
}

// DefaultOptions returns the standard retry policy.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    DefaultMaxAttempts,
		Delay:          300 * time.Millisecond,
		Backoff:        BackoffLinear,
		AttemptTimeout: 2 * time.Second,
	}
}

// Option adjusts Options.
type Option func(*Options)

func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

func WithBackoff(b Backoff) Option {
	return func(o *Options) { o.Backoff = b }
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Options) { o.AttemptTimeout = d }
}

func WithWake(fn func(ctx context.Context) error) Option {
	return func(o *Options) { o.Wake = fn }
}

func WithStateHook(fn func(state State, attempt int)) Option {
	return func(o *Options) { o.OnState = fn }
}

// Transport performs one request/response exchange.
type Transport interface {
	RoundTrip(ctx context.Context, req Request) (Response, error)
}

// Client sends requests with retries.
type Client struct {
	transport Transport
	opts      Options
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a client; opts adjust DefaultOptions.
func New(transport Transport, opts ...Option) *Client {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{transport: transport, opts: o, sleep: sleepCtx}
}

// UpdateProxySettings asks the supervisor to recompute the routing policy.
func (c *Client) UpdateProxySettings(ctx context.Context, opts ...Option) (Response, error) {
	return c.Send(ctx, Request{Action: ActionUpdateProxySettings}, opts...)
}

// Send delivers req, retrying transport failures, timeouts and malformed
// answers until the attempt budget is spent.
func (c *Client) Send(ctx context.Context, req Request, opts ...Option) (Response, error) {
	o := c.opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	notify := func(s State, attempt int) {
		if o.OnState != nil {
			o.OnState(s, attempt)
		}
	}

	if o.Wake != nil {
		if err := o.Wake(ctx); err != nil {
			logger.Debug("Messenger wake failed: %v", err)
		}
	}

	var last error
	attempts := 0
	for attempt := 1; attempt <= o.MaxAttempts; attempt++ {
		attempts = attempt
		notify(StateSending, attempt)

		resp, err := c.attempt(ctx, req, o.AttemptTimeout)
		if err == nil {
			if resp.Success {
				notify(StateSuccess, attempt)
				return resp, nil
			}
			notify(StateFailed, attempt)
			return resp, &ApplyError{Action: req.Action, Message: resp.Error}
		}

		last = err
		logger.Debug("Messenger %s attempt %d/%d failed: %v", req.Action, attempt, o.MaxAttempts, err)
		if ctx.Err() != nil || attempt == o.MaxAttempts {
			break
		}

		notify(StateRetrying, attempt)
		delay := o.Delay
		if o.Backoff == BackoffLinear {
			delay *= time.Duration(attempt)
		}
		if err := c.sleep(ctx, delay); err != nil {
			last = err
			break
		}
	}

	notify(StateFailed, attempts)
	return Response{}, &CommunicationError{Attempts: attempts, Last: last}
}

type outcome struct {
	resp Response
	err  error
}

// attempt runs one exchange. When the timeout fires first the exchange is
// left to finish on its own.
func (c *Client) attempt(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer logger.Recover("messengerAttempt")
		resp, err := c.transport.RoundTrip(actx, req)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		return out.resp, out.err
	case <-actx.Done():
		return Response{}, fmt.Errorf("attempt timed out: %w", actx.Err())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
