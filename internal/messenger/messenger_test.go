package messenger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/user/hostswitch/internal/applier"
)

// scriptedTransport returns the queued results in order, then the last one.
type scriptedTransport struct {
	mu      sync.Mutex
	results []outcome
	calls   int
}

func (t *scriptedTransport) RoundTrip(ctx context.Context, req Request) (Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.calls
	if i >= len(t.results) {
		i = len(t.results) - 1
	}
	t.calls++
	return t.results[i].resp, t.results[i].err
}

func (t *scriptedTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

var errDown = errors.New("connection refused")

func newTestClient(t *testing.T, tr Transport, opts ...Option) (*Client, *[]time.Duration) {
	t.Helper()
	c := New(tr, opts...)
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return c, &slept
}

func TestSendRetriesUntilSuccess(t *testing.T) {
	tr := &scriptedTransport{results: []outcome{
		{err: errDown},
		{err: errDown},
		{resp: Response{Success: true}},
	}}
	var states []State
	c, slept := newTestClient(t, tr,
		WithDelay(100*time.Millisecond),
		WithStateHook(func(s State, _ int) { states = append(states, s) }),
	)

	resp, err := c.UpdateProxySettings(context.Background())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !resp.Success || tr.count() != 3 {
		t.Errorf("resp = %+v, calls = %d", resp, tr.count())
	}

	wantSleeps := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*slept) != len(wantSleeps) || (*slept)[0] != wantSleeps[0] || (*slept)[1] != wantSleeps[1] {
		t.Errorf("sleeps = %v, want %v (linear backoff)", *slept, wantSleeps)
	}

	wantStates := []State{StateSending, StateRetrying, StateSending, StateRetrying, StateSending, StateSuccess}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", states, wantStates)
	}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], wantStates[i])
		}
	}
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	tr := &scriptedTransport{results: []outcome{{err: errDown}}}
	c, _ := newTestClient(t, tr)

	_, err := c.UpdateProxySettings(context.Background())
	if !errors.Is(err, ErrCommunication) || !errors.Is(err, errDown) {
		t.Fatalf("error = %v, want CommunicationError wrapping cause", err)
	}
	var cerr *CommunicationError
	if !errors.As(err, &cerr) || cerr.Attempts != 3 {
		t.Errorf("error = %#v, want 3 attempts", err)
	}
	if tr.count() != 3 {
		t.Errorf("calls = %d, want exactly 3", tr.count())
	}
}

func TestToggleBudget(t *testing.T) {
	tr := &scriptedTransport{results: []outcome{{err: errDown}}}
	c, _ := newTestClient(t, tr)

	c.UpdateProxySettings(context.Background(), WithMaxAttempts(ToggleProxyAttempts))
	if tr.count() != 5 {
		t.Errorf("calls = %d, want 5", tr.count())
	}
}

func TestFixedBackoff(t *testing.T) {
	tr := &scriptedTransport{results: []outcome{{err: errDown}}}
	c, slept := newTestClient(t, tr, WithBackoff(BackoffFixed), WithDelay(50*time.Millisecond))

	c.UpdateProxySettings(context.Background())
	for _, d := range *slept {
		if d != 50*time.Millisecond {
			t.Errorf("sleep = %v, want fixed 50ms", d)
		}
	}
}

func TestApplyFailureIsNotRetried(t *testing.T) {
	tr := &scriptedTransport{results: []outcome{{resp: Response{Success: false, Error: "gsettings missing"}}}}
	c, _ := newTestClient(t, tr)

	_, err := c.UpdateProxySettings(context.Background())
	if !errors.Is(err, applier.ErrApply) {
		t.Fatalf("error = %v, want ErrApply", err)
	}
	if errors.Is(err, ErrCommunication) {
		t.Error("apply failure must not be a communication error")
	}
	if tr.count() != 1 {
		t.Errorf("calls = %d, want 1", tr.count())
	}
}

// blockingTransport never answers until released.
type blockingTransport struct {
	release chan struct{}
}

func (t *blockingTransport) RoundTrip(ctx context.Context, req Request) (Response, error) {
	<-t.release
	return Response{Success: true}, nil
}

func TestAttemptTimeoutAbandonsExchange(t *testing.T) {
	tr := &blockingTransport{release: make(chan struct{})}
	defer close(tr.release)
	c, _ := newTestClient(t, tr, WithAttemptTimeout(20*time.Millisecond), WithMaxAttempts(2))

	start := time.Now()
	_, err := c.UpdateProxySettings(context.Background())
	if !errors.Is(err, ErrCommunication) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timed-out attempts should not block")
	}
}

func TestWakeRunsOnce(t *testing.T) {
	tr := &scriptedTransport{results: []outcome{{err: errDown}, {resp: Response{Success: true}}}}
	wakes := 0
	c, _ := newTestClient(t, tr, WithWake(func(context.Context) error {
		wakes++
		return errors.New("store busy")
	}))

	if _, err := c.UpdateProxySettings(context.Background()); err != nil {
		t.Fatalf("wake failure must not fail the send: %v", err)
	}
	if wakes != 1 {
		t.Errorf("wakes = %d, want 1", wakes)
	}
}

func TestHTTPTransport(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    Response
		wantErr bool
	}{
		{"success", http.StatusOK, `{"success":true}`, Response{Success: true}, false},
		{"apply failure", http.StatusInternalServerError, `{"success":false,"error":"denied"}`, Response{Error: "denied"}, false},
		{"unknown action", http.StatusBadRequest, `{"success":false,"error":"unknown action"}`, Response{Error: "unknown action"}, false},
		{"not json", http.StatusOK, `ok`, Response{}, true},
		{"missing success", http.StatusOK, `{"error":"x"}`, Response{}, true},
		{"gateway page", http.StatusBadGateway, `<html>bad gateway</html>`, Response{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAction string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != MessagePath || r.Method != http.MethodPost {
					t.Errorf("request %s %s", r.Method, r.URL.Path)
				}
				var req struct{ Action string }
				decodeJSON(r, &req)
				gotAction = req.Action
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			resp, err := NewHTTPTransport(srv.URL, time.Second).RoundTrip(context.Background(), Request{Action: ActionUpdateProxySettings})
			if (err != nil) != tt.wantErr {
				t.Fatalf("RoundTrip() error = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != tt.want {
				t.Errorf("RoundTrip() = %+v, want %+v", resp, tt.want)
			}
			if gotAction != ActionUpdateProxySettings {
				t.Errorf("server saw action %q", gotAction)
			}
		})
	}
}

func TestHTTPTransportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(url, time.Second)
	c, _ := newTestClient(t, tr)
	if _, err := c.UpdateProxySettings(context.Background()); !errors.Is(err, ErrCommunication) {
		t.Errorf("error = %v, want ErrCommunication", err)
	}
	if err := tr.Ping(context.Background()); err == nil {
		t.Error("Ping() should fail")
	}
}
