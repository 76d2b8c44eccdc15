package ui

import (
	"context"
	"fmt"
	"sync"

	"fyne.io/systray"

	"github.com/user/hostswitch/internal/logger"
	"github.com/user/hostswitch/internal/rules"
	"github.com/user/hostswitch/internal/supervisor"
)

// checkbox adapts a systray checkbox item to Toggle.
type checkbox struct {
	item *systray.MenuItem
}

func (c checkbox) Checked() bool { return c.item.Checked() }

func (c checkbox) SetChecked(v bool) {
	if v {
		c.item.Check()
	} else {
		c.item.Uncheck()
	}
}

// Tray is the system tray front-end of a Session.
type Tray struct {
	session *Session
	baseURL string

	ctx    context.Context
	cancel context.CancelFunc

	mStatus  *systray.MenuItem
	mProxy   *systray.MenuItem
	mGroups  *systray.MenuItem
	mResync  *systray.MenuItem
	mLogs    *systray.MenuItem
	mQuit    *systray.MenuItem
	unsub    func()
	mu       sync.Mutex
	revision uint64
	groups   []*systray.MenuItem
	stopMenu chan struct{}
}

// RunTray shows the tray menu and blocks until the user quits or ctx ends.
func RunTray(ctx context.Context, session *Session, baseURL string) {
	ctx, cancel := context.WithCancel(ctx)
	t := &Tray{session: session, baseURL: baseURL, ctx: ctx, cancel: cancel}

	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(GetIcon(IconOffline))
	systray.SetTitle("hostswitch")
	systray.SetTooltip("hostswitch: connecting to daemon")

	t.mStatus = systray.AddMenuItem("Daemon: connecting...", "")
	t.mStatus.Disable()

	systray.AddSeparator()

	t.mProxy = systray.AddMenuItemCheckbox("Forwarding proxy", "Send unmatched hosts through the SOCKS proxy", false)
	t.mGroups = systray.AddMenuItem("Groups", "")

	systray.AddSeparator()

	t.mResync = systray.AddMenuItem("Re-apply policy", "")
	t.mLogs = systray.AddMenuItem("Open log", "")
	t.mQuit = systray.AddMenuItem("Quit", "")

	t.reload()

	t.unsub = t.session.Subscribe(func(_ context.Context, ev rules.Event) {
		t.render(ev.Snapshot)
	})

	logger.SafeGo("tray-status", func() {
		WatchStatus(t.ctx, t.baseURL, t.updateStatus)
	})

	logger.SafeGo("tray-menu-loop", func() {
		for {
			select {
			case <-t.mProxy.ClickedCh:
				logger.SafeGo("tray-proxy", func() {
					t.report(t.session.SetProxyEnabled(t.ctx, !t.mProxy.Checked(), checkbox{t.mProxy}))
				})
			case <-t.mResync.ClickedCh:
				logger.SafeGo("tray-resync", func() {
					t.report(t.session.Resync(t.ctx))
				})
			case <-t.mLogs.ClickedCh:
				logger.SafeGo("tray-logs", openLogFile)
			case <-t.mQuit.ClickedCh:
				systray.Quit()
				return
			case <-t.ctx.Done():
				return
			}
		}
	})
}

func (t *Tray) onExit() {
	if t.unsub != nil {
		t.unsub()
	}
	t.cancel()
}

// reload reads the store and redraws the menu.
func (t *Tray) reload() {
	doc, err := t.session.Store().Snapshot(t.ctx)
	if err != nil {
		logger.Error("Failed to read rules: %v", err)
		return
	}
	t.render(doc)
}

// render redraws the proxy checkbox and the group submenu from doc.
func (t *Tray) render(doc *rules.Document) {
	if doc == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if doc.Revision < t.revision {
		return
	}
	t.revision = doc.Revision

	checkbox{t.mProxy}.SetChecked(doc.Proxy.Enabled)
	t.mProxy.SetTitle(fmt.Sprintf("Forwarding proxy (%s:%d)", doc.Proxy.Host, doc.Proxy.Port))
	if doc.Proxy.Host == "" {
		t.mProxy.SetTitle("Forwarding proxy (not configured)")
	}

	if t.stopMenu != nil {
		close(t.stopMenu)
	}
	for _, item := range t.groups {
		item.Remove()
	}
	t.groups = t.groups[:0]
	t.stopMenu = make(chan struct{})

	if len(doc.Groups) == 0 {
		empty := t.mGroups.AddSubMenuItem("No groups", "")
		empty.Disable()
		t.groups = append(t.groups, empty)
		return
	}
	for _, g := range doc.Groups {
		title := fmt.Sprintf("%s (%d)", g.Name, len(g.Hosts))
		item := t.mGroups.AddSubMenuItemCheckbox(title, "", doc.IsActive(g.ID))
		t.groups = append(t.groups, item)
		go t.watchGroup(g.ID, item, t.stopMenu)
	}
}

func (t *Tray) watchGroup(id string, item *systray.MenuItem, stop <-chan struct{}) {
	defer logger.Recover("tray-group")
	for {
		select {
		case <-item.ClickedCh:
			err := t.session.SetGroupActive(t.ctx, id, !item.Checked(), checkbox{item})
			t.report(err)
		case <-stop:
			return
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Tray) updateStatus(st *supervisor.Status) {
	defer logger.Recover("tray-update-status")

	switch st.State {
	case supervisor.StateReady:
		systray.SetIcon(GetIcon(IconReady))
	case supervisor.StateApplying:
		systray.SetIcon(GetIcon(IconApplying))
	case supervisor.StateError:
		systray.SetIcon(GetIcon(IconError))
	default:
		systray.SetIcon(GetIcon(IconOffline))
	}

	title := fmt.Sprintf("Daemon: %s, %d overrides", st.State, st.MappingSize)
	tooltip := fmt.Sprintf("hostswitch: %s (revision %d)", st.State, st.Revision)
	if st.Error != "" {
		title = "Daemon error: " + st.Error
		tooltip += "\n" + st.Error
	}
	for _, w := range st.Warnings {
		tooltip += "\n" + w
	}
	t.mStatus.SetTitle(title)
	systray.SetTooltip(tooltip)

	t.mu.Lock()
	stale := st.Revision > t.revision
	t.mu.Unlock()
	if stale {
		t.reload()
	}
}

// report shows a failed action in the status line.
func (t *Tray) report(err error) {
	if err == nil {
		return
	}
	msg := Describe(err)
	logger.Error("Tray action failed: %s", msg)
	t.mStatus.SetTitle(msg)
}
