// hostswitch is the command line and tray front-end. It edits the shared
// rule store and asks hostswitchd to re-apply the routing policy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/user/hostswitch/internal/config"
	"github.com/user/hostswitch/internal/control"
	"github.com/user/hostswitch/internal/logger"
	"github.com/user/hostswitch/internal/messenger"
	"github.com/user/hostswitch/internal/rules"
	"github.com/user/hostswitch/internal/ui"
)

var version = "dev"

const usage = `usage: hostswitch [-config path] [-addr url] <command> [args]

commands:
  groups [-v]                              list groups
  group add [-active] <name>               create a group
  group rename <group> <name>              rename a group
  group delete <group>                     delete a group
  group enable|disable <group>             (de)activate a group
  host add [-disabled] <group> <ip> <domain>
  host update [-ip ip] [-domain d] [-enabled bool] <group> <host>
  host toggle <group> <host>
  host delete <group> <host>
  proxy show
  proxy set [-host h] [-port n] [-protocol socks5|socks4] [-user u] [-password p] [-bypass a,b] [-enable]
  proxy enable|disable
  import [-key path] [-known-hosts path] [-insecure] <group> <path|ssh://user@host:port/path>
  export <group>                           print a group in hosts-file syntax
  resolve <host> [url]                     show the route the daemon picks for host
  status                                   show daemon status
  sync                                     ask the daemon to re-apply the policy
  watch                                    follow daemon status changes
  tray                                     run the system tray menu
  version
`

// app bundles what every command needs.
type app struct {
	cfg        *config.Config
	configPath string
	baseURL    string
	store      *rules.Store
	session    *ui.Session
	control    *control.Client
}

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	var (
		configPath = flag.String("config", config.GetConfigPath(), "path to config.yaml")
		addr       = flag.String("addr", "", "daemon base URL (default from control.listen)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if args[0] == "version" {
		fmt.Printf("hostswitch %s\n", version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, *configPath, *addr, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostswitch: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	defer a.store.Close()

	if err := a.dispatch(ctx, args); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "hostswitch: %s\n", ui.Describe(err))
		os.Exit(1)
	}
}

func setup(ctx context.Context, configPath, addr string, debug bool) (*app, error) {
	mgr := config.NewManager(configPath)
	if err := mgr.Load(); err != nil {
		return nil, err
	}
	cfg := mgr.Get()

	if err := logger.Init(logger.Options{
		Dir:   cfg.Log.Dir,
		Name:  "hostswitch.log",
		Debug: debug || cfg.Log.Debug,
	}); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	store, err := cfg.OpenStore(ctx, mgr.Path(), rules.WithSource("cli"))
	if err != nil {
		return nil, err
	}

	baseURL := addr
	if baseURL == "" {
		baseURL = "http://" + cfg.Control.Listen
	}

	transport := messenger.NewHTTPTransport(baseURL, cfg.Messenger.AttemptTimeoutDuration())
	client := messenger.New(transport,
		messenger.WithMaxAttempts(cfg.Messenger.MaxAttempts),
		messenger.WithDelay(cfg.Messenger.DelayDuration()),
		messenger.WithBackoff(messenger.Backoff(cfg.Messenger.Backoff)),
		messenger.WithAttemptTimeout(cfg.Messenger.AttemptTimeoutDuration()),
		messenger.WithWake(messenger.Waker(store.Touch, transport)),
		messenger.WithStateHook(func(s messenger.State, attempt int) {
			logger.Debug("messenger: %s (attempt %d)", s, attempt)
		}),
	)

	return &app{
		cfg:        cfg,
		configPath: mgr.Path(),
		baseURL:    baseURL,
		store:      store,
		session: ui.NewSession(store, client, ui.SessionOptions{
			ProxyToggleAttempts: cfg.Messenger.ProxyToggleAttempts,
		}),
		control: control.NewClient(baseURL, cfg.Messenger.AttemptTimeoutDuration()),
	}, nil
}
