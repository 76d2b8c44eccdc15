package applier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/hostswitch/internal/mapping"
	"github.com/user/hostswitch/internal/pac"
	"github.com/user/hostswitch/internal/rules"
)

func compile(t *testing.T, entries ...mapping.Entry) *pac.Policy {
	t.Helper()
	p, err := pac.Compile(mapping.FromEntries(entries), rules.DefaultProxyConfig())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

type failingSurface struct {
	NopSurface
	err error
}

func (s *failingSurface) Enable(context.Context, string) error { return s.err }

func TestApplyInstallsPolicy(t *testing.T) {
	surface := &NopSurface{}
	cache := filepath.Join(t.TempDir(), "cache", "proxy.pac")
	a := New(Options{Surface: surface, CachePath: cache, BaseURL: "http://127.0.0.1:7878/"})

	p := compile(t, mapping.Entry{Domain: "a.com", IP: "10.0.0.1"})
	res, err := a.Apply(context.Background(), p, 4)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Action != ActionInstalled || res.URL != "http://127.0.0.1:7878/proxy.pac?rev=4" || res.Revision != 4 {
		t.Errorf("Result = %+v", res)
	}
	if on, url := surface.State(); !on || url != res.URL {
		t.Errorf("surface state = %v %q", on, url)
	}
	data, err := os.ReadFile(cache)
	if err != nil {
		t.Fatalf("cache not written: %v", err)
	}
	if string(data) != p.Script() {
		t.Error("cache content differs from policy script")
	}
	if a.Last() != res {
		t.Error("Last() should return the latest result")
	}
}

func TestApplyEmptyPolicyClears(t *testing.T) {
	surface := &NopSurface{}
	a := New(Options{Surface: surface, BaseURL: "http://127.0.0.1:7878"})
	ctx := context.Background()

	if _, err := a.Apply(ctx, compile(t, mapping.Entry{Domain: "a.com", IP: "10.0.0.1"}), 1); err != nil {
		t.Fatal(err)
	}
	res, err := a.Apply(ctx, compile(t), 2)
	if err != nil {
		t.Fatalf("Apply(empty) error = %v", err)
	}
	if res.Action != ActionCleared {
		t.Errorf("Action = %s, want cleared", res.Action)
	}
	if on, _ := surface.State(); on {
		t.Error("surface should be disabled")
	}
	if res, _ := a.Apply(ctx, nil, 3); res.Action != ActionCleared {
		t.Error("nil policy should clear")
	}
}

func TestApplyFailureIsReported(t *testing.T) {
	cause := errors.New("permission denied")
	a := New(Options{Surface: &failingSurface{err: cause}, BaseURL: "http://127.0.0.1:7878"})

	_, err := a.Apply(context.Background(), compile(t, mapping.Entry{Domain: "a.com", IP: "10.0.0.1"}), 1)
	if !errors.Is(err, ErrApply) || !errors.Is(err, cause) {
		t.Fatalf("Apply() error = %v, want ErrApply wrapping cause", err)
	}
	var aerr *ApplyError
	if !errors.As(err, &aerr) || aerr.Op != "enable" {
		t.Errorf("error = %#v", err)
	}
	if a.Last().Action != "" {
		t.Error("failed apply must not update Last()")
	}
}

func TestFileURLWithoutBaseURL(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "proxy.pac")
	a := New(Options{Surface: &NopSurface{}, CachePath: cache})

	res, err := a.Apply(context.Background(), compile(t, mapping.Entry{Domain: "a.com", IP: "10.0.0.1"}), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.URL, "file:///") || !strings.HasSuffix(res.URL, "proxy.pac") {
		t.Errorf("URL = %q", res.URL)
	}
}

func TestParseNetworkServices(t *testing.T) {
	out := `An asterisk (*) denotes that a network service is disabled.
Wi-Fi
*Bluetooth PAN
Thunderbolt Bridge
USB 10/100/1000 LAN
`
	got := parseNetworkServices(out)
	want := []string{"Wi-Fi", "Thunderbolt Bridge", "USB 10/100/1000 LAN"}
	if len(got) != len(want) {
		t.Fatalf("services = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("services[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
