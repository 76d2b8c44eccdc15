package supervisor

import (
	"time"

	"github.com/user/hostswitch/internal/applier"
)

// Status is the supervisor state as reported to UI contexts.
type Status struct {
	State        State          `json:"state"`
	Revision     uint64         `json:"revision"`
	MappingSize  int            `json:"mappingSize"`
	ProxyEnabled bool           `json:"proxyEnabled"`
	LastApply    applier.Result `json:"lastApply"`
	Error        string         `json:"error,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// StatusListener is a callback invoked when the status changes.
type StatusListener func(status *Status)

// GetStatus returns the current status.
func (s *Supervisor) GetStatus() *Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &Status{
		State:       s.state,
		Revision:    s.revision,
		MappingSize: s.mapping.Len(),
		LastApply:   s.lastApply,
		UpdatedAt:   s.updatedAt,
	}
	if s.policy != nil {
		status.ProxyEnabled = s.policy.ProxyEnabled()
	}
	if len(s.warnings) > 0 {
		status.Warnings = append([]string(nil), s.warnings...)
	}
	if s.lastError != nil {
		status.Error = s.lastError.Error()
	}
	return status
}

// broadcastStatus sends status update to listener.
func (s *Supervisor) broadcastStatus() {
	s.mu.RLock()
	listener := s.statusListener
	s.mu.RUnlock()
	if listener != nil {
		listener(s.GetStatus())
	}
}

// setError sets error state and broadcasts status.
func (s *Supervisor) setError(err error) {
	s.mu.Lock()
	s.state = StateError
	s.lastError = err
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.broadcastStatus()
}
