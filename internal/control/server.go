// Package control is the supervisor's local HTTP surface: the messenger
// endpoint, the PAC file, diagnostics and the websocket change feed.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/hostswitch/internal/feed"
	"github.com/user/hostswitch/internal/logger"
	"github.com/user/hostswitch/internal/mapping"
	"github.com/user/hostswitch/internal/messenger"
	"github.com/user/hostswitch/internal/pac"
	"github.com/user/hostswitch/internal/rules"
	"github.com/user/hostswitch/internal/supervisor"
)

// DefaultAddress is loopback only; nothing here is meant for the network.
const DefaultAddress = "127.0.0.1:7878"

// PACPath serves the current policy script.
const PACPath = "/proxy.pac"

const maxBodyBytes = 64 << 10

// Options configures the HTTP server.
type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	// ApplyTimeout bounds the recompute a message triggers. The recompute
	// outlives a client that gave up waiting.
	ApplyTimeout time.Duration
}

// Server hosts the control API for the supervisor.
type Server struct {
	http     *http.Server
	sup      *supervisor.Supervisor
	events   *feed.Broadcaster
	opts     Options
	listener net.Listener
	empty    *pac.Policy
}

// NewServer wires the routes. The server does not listen until Start.
func NewServer(sup *supervisor.Supervisor, events *feed.Broadcaster, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddress
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 2 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.ApplyTimeout == 0 {
		opts.ApplyTimeout = 30 * time.Second
	}

	empty, err := pac.Compile(mapping.Mapping{}, rules.DefaultProxyConfig())
	if err != nil {
		panic(fmt.Sprintf("control: empty policy does not compile: %v", err))
	}

	s := &Server{sup: sup, events: events, opts: opts, empty: empty}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		IdleTimeout:       opts.IdleTimeout,
	}
	return s
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get(PACPath, s.handlePAC)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)
		r.Get("/status", s.handleStatus)
		r.Get("/resolve", s.handleResolve)
		r.Post("/message", s.handleMessage)
		if s.events != nil {
			r.Get("/events", feed.Handler(s.events))
		}
	})
	return r
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	logger.Info("Control server listening on %s", ln.Addr())

	logger.SafeGo("controlServer", func() {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Control server error: %v", err)
		}
	})
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// BaseURL returns the http URL clients should use.
func (s *Server) BaseURL() string {
	return "http://" + s.Addr()
}

// Stop gracefully shuts down the server, waiting up to ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.events != nil {
		s.events.Close()
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.GetStatus())
}

// ResolveResult is the body of /v1/resolve.
type ResolveResult struct {
	Host     string `json:"host"`
	Decision string `json:"decision"`
	Revision uint64 `json:"revision"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "host is required"})
		return
	}
	writeJSON(w, http.StatusOK, ResolveResult{
		Host:     host,
		Decision: s.sup.Resolve(r.URL.Query().Get("url"), host),
		Revision: s.sup.GetStatus().Revision,
	})
}

func (s *Server) handlePAC(w http.ResponseWriter, r *http.Request) {
	p := s.sup.Policy()
	if p == nil {
		p = s.empty
	}
	w.Header().Set("Content-Type", pac.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(p.Script()))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messenger.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, messenger.Response{Error: "invalid request body"})
		return
	}

	switch req.Action {
	case messenger.ActionUpdateProxySettings:
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.opts.ApplyTimeout)
		defer cancel()
		if _, err := s.sup.Recompute(ctx); err != nil {
			logger.Error("Message %s failed: %v", req.Action, err)
			writeJSON(w, http.StatusInternalServerError, messenger.Response{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, messenger.Response{Success: true})
	default:
		writeJSON(w, http.StatusBadRequest, messenger.Response{Error: fmt.Sprintf("unknown action %q", req.Action)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response: %v", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
