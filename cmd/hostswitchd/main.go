// hostswitchd is the supervisor: it owns the routing policy, applies it to
// the host and answers UI contexts on a loopback control server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/user/hostswitch/internal/applier"
	"github.com/user/hostswitch/internal/config"
	"github.com/user/hostswitch/internal/control"
	"github.com/user/hostswitch/internal/feed"
	"github.com/user/hostswitch/internal/logger"
	"github.com/user/hostswitch/internal/probe"
	"github.com/user/hostswitch/internal/procutil"
	"github.com/user/hostswitch/internal/rules"
	"github.com/user/hostswitch/internal/supervisor"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", config.GetConfigPath(), "path to config.yaml")
		listen      = flag.String("listen", "", "control server address (overrides control.listen)")
		debug       = flag.Bool("debug", false, "enable debug logging")
		noApply     = flag.Bool("no-apply", false, "compile policies but leave the system proxy untouched")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("hostswitchd %s\n", version)
		return
	}

	if err := run(*configPath, *listen, *debug, *noApply); err != nil {
		fmt.Fprintf(os.Stderr, "hostswitchd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listen string, debug, noApply bool) error {
	mgr := config.NewManager(configPath)
	if err := mgr.Load(); err != nil {
		return err
	}
	cfg := mgr.Get()
	if listen != "" {
		cfg.Control.Listen = listen
		if err := cfg.Control.Validate(); err != nil {
			return fmt.Errorf("invalid -listen: %w", err)
		}
	}

	if err := logger.Init(logger.Options{
		Dir:           cfg.Log.Dir,
		Name:          "hostswitchd.log",
		Debug:         debug || cfg.Log.Debug,
		CaptureStderr: true,
	}); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Close()
	logger.Info("hostswitchd %s starting, config %s", version, mgr.Path())

	ctx := context.Background()

	store, err := cfg.OpenStore(ctx, mgr.Path(), rules.WithSource("supervisor"))
	if err != nil {
		return err
	}
	defer store.Close()

	surface := applier.DefaultSurface(procutil.Run)
	if noApply || !cfg.Applier.Enabled {
		surface = &applier.NopSurface{}
	}
	baseURL := "http://" + cfg.Control.Listen
	app := applier.New(applier.Options{
		Surface:   surface,
		CachePath: cfg.CachePath(mgr.Path()),
		BaseURL:   baseURL,
	})

	var prober supervisor.Prober
	if cfg.Probe.Enabled {
		prober = probe.New(probe.Options{
			Timeout: cfg.Probe.TimeoutDuration(),
			Target:  cfg.Probe.Target,
		})
	}

	sup := supervisor.New(supervisor.Options{
		Store:        store,
		Applier:      app,
		Prober:       prober,
		PollInterval: cfg.Store.PollIntervalDuration(),
		ProbeTimeout: cfg.Probe.TimeoutDuration(),
	})

	events := feed.NewBroadcaster()
	sup.SetStatusListener(func(st *supervisor.Status) {
		events.Publish(feed.NewEvent(feed.TypeStatus, st.Revision, st))
	})

	// Changes made by this process go straight to the supervisor.
	store.Hub().SetPrimary(sup.HandleChange)

	srv := control.NewServer(sup, events, control.Options{
		Addr:            cfg.Control.Listen,
		ShutdownTimeout: cfg.Control.ShutdownTimeoutDuration(),
		ApplyTimeout:    cfg.Control.ApplyTimeoutDuration(),
	})
	if err := srv.Start(); err != nil {
		return err
	}

	if err := sup.Init(ctx); err != nil {
		logger.Warning("Supervisor started with errors: %v", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range signals {
		if sig == syscall.SIGHUP {
			logger.Info("Received %v, recomputing policy", sig)
			if _, err := sup.Recompute(ctx); err != nil {
				logger.Error("Recompute failed: %v", err)
			}
			continue
		}
		logger.Info("Received %v, shutting down", sig)
		break
	}
	signal.Stop(signals)

	if err := srv.Stop(ctx); err != nil {
		logger.Error("Control server shutdown error: %v", err)
	}
	if err := sup.Stop(ctx); err != nil {
		logger.Error("Supervisor shutdown error: %v", err)
	}
	logger.Info("hostswitchd stopped")
	return nil
}
