package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/user/hostswitch/internal/importer"
	"github.com/user/hostswitch/internal/mapping"
	"github.com/user/hostswitch/internal/pac"
	"github.com/user/hostswitch/internal/rules"
	"github.com/user/hostswitch/internal/supervisor"
	"github.com/user/hostswitch/internal/ui"
)

var errUsage = errors.New("usage")

var stdout io.Writer = os.Stdout

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parse(fs *flag.FlagSet, args []string, positional int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	if fs.NArg() != positional {
		return nil, errUsage
	}
	return fs.Args(), nil
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "groups":
		return a.cmdGroups(ctx, rest)
	case "group":
		return a.cmdGroup(ctx, rest)
	case "host":
		return a.cmdHost(ctx, rest)
	case "proxy":
		return a.cmdProxy(ctx, rest)
	case "import":
		return a.cmdImport(ctx, rest)
	case "export":
		return a.cmdExport(ctx, rest)
	case "resolve":
		return a.cmdResolve(ctx, rest)
	case "status":
		return a.cmdStatus(ctx)
	case "sync":
		return a.session.Resync(ctx)
	case "watch":
		return a.cmdWatch(ctx)
	case "tray":
		ui.RunTray(ctx, a.session, a.baseURL)
		return nil
	}
	return errUsage
}

func (a *app) snapshot(ctx context.Context) (*rules.Document, error) {
	return a.store.Snapshot(ctx)
}

func findGroup(doc *rules.Document, ref string) (rules.Group, error) {
	g, ok := doc.FindGroup(ref)
	if !ok {
		return rules.Group{}, fmt.Errorf("group %q: %w", ref, rules.ErrNotFound)
	}
	return g, nil
}

// findHost matches a host by id or, when unambiguous, by domain.
func findHost(g rules.Group, ref string) (rules.HostEntry, error) {
	if i := g.HostIndex(ref); i >= 0 {
		return g.Hosts[i], nil
	}
	domain := rules.NormalizeDomain(ref)
	var found []rules.HostEntry
	for _, h := range g.Hosts {
		if h.Domain == domain {
			found = append(found, h)
		}
	}
	switch len(found) {
	case 0:
		return rules.HostEntry{}, fmt.Errorf("host %q in group %s: %w", ref, g.Name, rules.ErrNotFound)
	case 1:
		return found[0], nil
	}
	return rules.HostEntry{}, fmt.Errorf("%d entries for %s in group %s, use the host id", len(found), domain, g.Name)
}

func (a *app) cmdGroups(ctx context.Context, args []string) error {
	fs := newFlagSet("groups")
	verbose := fs.Bool("v", false, "list hosts")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	doc, err := a.snapshot(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACTIVE\tNAME\tHOSTS\tID")
	for _, g := range doc.Groups {
		mark := " "
		if doc.IsActive(g.ID) {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", mark, g.Name, len(g.Hosts), g.ID)
		if *verbose {
			for _, h := range g.Hosts {
				state := "on"
				if !h.Enabled {
					state = "off"
				}
				fmt.Fprintf(w, "\t  %s %s\t%s\t%s\n", h.Domain, h.IP, state, h.ID)
			}
		}
	}
	return w.Flush()
}

func (a *app) cmdGroup(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	sub, rest := args[0], args[1:]

	if sub == "add" {
		fs := newFlagSet("group add")
		active := fs.Bool("active", false, "activate the new group")
		pos, err := parse(fs, rest, 1)
		if err != nil {
			return err
		}
		g, err := a.session.AddGroup(ctx, pos[0], *active)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "added group %s (%s)\n", g.Name, g.ID)
		return nil
	}

	want := 1
	if sub == "rename" {
		want = 2
	}
	if len(rest) != want {
		return errUsage
	}
	doc, err := a.snapshot(ctx)
	if err != nil {
		return err
	}
	g, err := findGroup(doc, rest[0])
	if err != nil {
		return err
	}

	switch sub {
	case "rename":
		return a.session.RenameGroup(ctx, g.ID, rest[1])
	case "delete":
		return a.session.DeleteGroup(ctx, g.ID)
	case "enable":
		return a.session.SetGroupActive(ctx, g.ID, true, nil)
	case "disable":
		return a.session.SetGroupActive(ctx, g.ID, false, nil)
	}
	return errUsage
}

func (a *app) cmdHost(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	sub, rest := args[0], args[1:]
	fs := newFlagSet("host " + sub)

	switch sub {
	case "add":
		disabled := fs.Bool("disabled", false, "add the entry switched off")
		pos, err := parse(fs, rest, 3)
		if err != nil {
			return err
		}
		g, err := a.group(ctx, pos[0])
		if err != nil {
			return err
		}
		h, err := a.session.AddHost(ctx, g.ID, rules.HostEntry{IP: pos[1], Domain: pos[2], Enabled: !*disabled})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "added %s -> %s (%s)\n", h.Domain, h.IP, h.ID)
		return nil

	case "update":
		ip := fs.String("ip", "", "new IP address")
		domain := fs.String("domain", "", "new domain")
		enabled := fs.String("enabled", "", "true or false")
		pos, err := parse(fs, rest, 2)
		if err != nil {
			return err
		}
		var patch rules.HostPatch
		if *ip != "" {
			patch.IP = ip
		}
		if *domain != "" {
			patch.Domain = domain
		}
		if *enabled != "" {
			v, err := strconv.ParseBool(*enabled)
			if err != nil {
				return errUsage
			}
			patch.Enabled = &v
		}
		g, h, err := a.host(ctx, pos[0], pos[1])
		if err != nil {
			return err
		}
		updated, err := a.session.UpdateHost(ctx, g.ID, h.ID, patch)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "updated %s -> %s (enabled %t)\n", updated.Domain, updated.IP, updated.Enabled)
		return nil

	case "toggle", "delete":
		pos, err := parse(fs, rest, 2)
		if err != nil {
			return err
		}
		g, h, err := a.host(ctx, pos[0], pos[1])
		if err != nil {
			return err
		}
		if sub == "delete" {
			return a.session.DeleteHost(ctx, g.ID, h.ID)
		}
		toggled, err := a.session.ToggleHost(ctx, g.ID, h.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s is now %s\n", toggled.Domain, onOff(toggled.Enabled))
		return nil
	}
	return errUsage
}

func (a *app) group(ctx context.Context, ref string) (rules.Group, error) {
	doc, err := a.snapshot(ctx)
	if err != nil {
		return rules.Group{}, err
	}
	return findGroup(doc, ref)
}

func (a *app) host(ctx context.Context, groupRef, hostRef string) (rules.Group, rules.HostEntry, error) {
	g, err := a.group(ctx, groupRef)
	if err != nil {
		return rules.Group{}, rules.HostEntry{}, err
	}
	h, err := findHost(g, hostRef)
	return g, h, err
}

func (a *app) cmdProxy(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "show":
		cfg, err := a.store.ForwardingProxy(ctx)
		if err != nil {
			return err
		}
		printProxy(cfg)
		return nil

	case "enable", "disable":
		if len(args) != 1 {
			return errUsage
		}
		return a.session.SetProxyEnabled(ctx, args[0] == "enable", nil)

	case "set":
		cfg, err := a.store.ForwardingProxy(ctx)
		if err != nil {
			return err
		}
		fs := newFlagSet("proxy set")
		host := fs.String("host", cfg.Host, "proxy host")
		port := fs.Int("port", cfg.Port, "proxy port")
		protocol := fs.String("protocol", string(cfg.Protocol), "socks5 or socks4")
		user := fs.String("user", cfg.Auth.Username, "username, empty disables authentication")
		password := fs.String("password", cfg.Auth.Password, "password")
		bypass := fs.String("bypass", strings.Join(cfg.BypassList, ","), "comma separated bypass list")
		enable := fs.Bool("enable", cfg.Enabled, "switch the proxy on")
		if _, err := parse(fs, args[1:], 0); err != nil {
			return err
		}

		cfg.Host = *host
		cfg.Port = *port
		cfg.Protocol = rules.Protocol(*protocol)
		cfg.Auth = rules.ProxyAuth{Enabled: *user != "", Username: *user, Password: *password}
		cfg.BypassList = nil
		for _, b := range strings.Split(*bypass, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.BypassList = append(cfg.BypassList, b)
			}
		}
		cfg.Enabled = *enable
		if err := a.session.SetForwardingProxy(ctx, cfg); err != nil {
			return err
		}
		printProxy(cfg)
		return nil
	}
	return errUsage
}

func printProxy(cfg rules.ProxyConfig) {
	host := cfg.Host
	if host == "" {
		host = "(not set)"
	}
	fmt.Fprintf(stdout, "proxy:    %s %s:%d\n", cfg.Protocol, host, cfg.Port)
	fmt.Fprintf(stdout, "enabled:  %t\n", cfg.Enabled)
	if cfg.Auth.Enabled {
		fmt.Fprintf(stdout, "user:     %s\n", cfg.Auth.Username)
	}
	if len(cfg.BypassList) > 0 {
		fmt.Fprintf(stdout, "bypass:   %s\n", strings.Join(cfg.BypassList, ", "))
	}
}

func (a *app) cmdImport(ctx context.Context, args []string) error {
	fs := newFlagSet("import")
	key := fs.String("key", a.cfg.Import.KeyPath, "SSH private key")
	knownHosts := fs.String("known-hosts", a.cfg.Import.KnownHosts, "known_hosts file")
	insecure := fs.Bool("insecure", a.cfg.Import.Insecure, "skip host key verification")
	pos, err := parse(fs, args, 2)
	if err != nil {
		return err
	}

	g, err := a.group(ctx, pos[0])
	if err != nil {
		return err
	}
	src, err := importer.ParseSource(pos[1])
	if err != nil {
		return err
	}
	opts := importer.SSHOptions{
		KeyPath:        *key,
		Password:       os.Getenv("HOSTSWITCH_SSH_PASSWORD"),
		KnownHostsPath: *knownHosts,
		Insecure:       *insecure,
		Timeout:        a.cfg.Import.TimeoutDuration(),
	}

	report, err := a.session.Import(ctx, g.ID, src, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported %d entries into %s (%d already present)\n", report.Added, g.Name, report.Duplicates)
	for _, line := range report.Invalid {
		fmt.Fprintf(stdout, "  skipped: %s\n", line)
	}
	return nil
}

func (a *app) cmdExport(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	g, err := a.group(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "# hostswitch group %s\n", g.Name)
	fmt.Fprint(stdout, importer.FormatHosts(g.Hosts))
	return nil
}

// cmdResolve asks the daemon, falling back to evaluating the store locally.
func (a *app) cmdResolve(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	host, rawURL := args[0], ""
	if len(args) == 2 {
		rawURL = args[1]
	}

	res, err := a.control.Resolve(ctx, rawURL, host)
	if err == nil {
		fmt.Fprintf(stdout, "%s\t%s\t(daemon, revision %d)\n", host, res.Decision, res.Revision)
		return nil
	}

	doc, serr := a.snapshot(ctx)
	if serr != nil {
		return err
	}
	policy, perr := pac.Compile(mapping.FromDocument(doc), doc.Proxy)
	if perr != nil {
		return perr
	}
	fmt.Fprintf(stdout, "%s\t%s\t(local, revision %d, daemon unreachable)\n", host, policy.Evaluate(rawURL, host), doc.Revision)
	return nil
}

func (a *app) cmdStatus(ctx context.Context) error {
	st, err := a.control.Status(ctx)
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func printStatus(st *supervisor.Status) {
	fmt.Fprintf(stdout, "state:      %s\n", st.State)
	fmt.Fprintf(stdout, "revision:   %d\n", st.Revision)
	fmt.Fprintf(stdout, "overrides:  %d\n", st.MappingSize)
	fmt.Fprintf(stdout, "proxy:      %s\n", onOff(st.ProxyEnabled))
	if st.LastApply.Surface != "" {
		fmt.Fprintf(stdout, "last apply: %s via %s at %s\n", st.LastApply.Action, st.LastApply.Surface,
			st.LastApply.At.Format(time.RFC3339))
	}
	if st.Error != "" {
		fmt.Fprintf(stdout, "error:      %s\n", st.Error)
	}
	for _, w := range st.Warnings {
		fmt.Fprintf(stdout, "warning:    %s\n", w)
	}
}

func (a *app) cmdWatch(ctx context.Context) error {
	err := ui.WatchStatus(ctx, a.baseURL, func(st *supervisor.Status) {
		fmt.Fprintf(stdout, "%s  %-8s revision %d, %d overrides, proxy %s\n",
			st.UpdatedAt.Format(time.TimeOnly), st.State, st.Revision, st.MappingSize, onOff(st.ProxyEnabled))
		if st.Error != "" {
			fmt.Fprintf(stdout, "          error: %s\n", st.Error)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
