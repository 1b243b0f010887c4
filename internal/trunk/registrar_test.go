package trunk

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/emiago/sipgo"

	"github.com/coralpbx/coralpbx/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T, resolver *Resolver) *Manager {
	t.Helper()

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("test"))
	if err != nil {
		t.Fatalf("NewUA: %v", err)
	}

	trunks := []config.TrunkConfig{
		{Name: "primary", Domain: "sip.carrier-a.example", Port: 5060, Transport: "udp", Username: "acct1", Register: true},
		{Name: "backup", Domain: "sip.carrier-b.example", Port: 5061, Transport: "tcp"},
	}
	m, err := NewManager(ua, trunks, resolver, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManagerNamesAndConfig(t *testing.T) {
	m := newTestManager(t, nil)

	names := m.Names()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "backup" || names[1] != "primary" {
		t.Errorf("Names() = %v", names)
	}

	cfg, ok := m.Config("primary")
	if !ok || cfg.Domain != "sip.carrier-a.example" || cfg.Username != "acct1" {
		t.Errorf("Config(primary) = %+v, %v", cfg, ok)
	}
	if _, ok := m.Config("nope"); ok {
		t.Error("Config should report unknown trunks")
	}
}

func TestManagerInitialStates(t *testing.T) {
	m := newTestManager(t, nil)

	states := m.States()
	if len(states) != 2 {
		t.Fatalf("got %d states, want 2", len(states))
	}
	for _, st := range states {
		if st.Status != StatusUnregistered {
			t.Errorf("trunk %s starts as %s, want unregistered", st.Name, st.Status)
		}
		if st.Healthy {
			t.Errorf("trunk %s should not start healthy", st.Name)
		}
	}

	st, ok := m.StateOf("backup")
	if !ok || st.Domain != "sip.carrier-b.example" {
		t.Errorf("StateOf(backup) = %+v, %v", st, ok)
	}
}

func TestResolveTargetWithoutSRV(t *testing.T) {
	m := newTestManager(t, nil)

	target, err := m.ResolveTarget(context.Background(), "primary")
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if target.Host != "sip.carrier-a.example" || target.Port != 5060 || target.SRVResolved {
		t.Errorf("target = %+v, want configured address", target)
	}

	if _, err := m.ResolveTarget(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown trunk")
	}
}

func TestMatchSource(t *testing.T) {
	m := newTestManager(t, nil)

	if name, ok := m.MatchSource("sip.carrier-b.example"); !ok || name != "backup" {
		t.Errorf("MatchSource(domain) = %q, %v", name, ok)
	}
	if _, ok := m.MatchSource("198.51.100.9"); ok {
		t.Error("unrelated host should not match a trunk")
	}

	// ResolveTarget remembers the signaling host for source matching.
	if _, err := m.ResolveTarget(context.Background(), "primary"); err != nil {
		t.Fatal(err)
	}
	if name, ok := m.MatchSource("sip.carrier-a.example"); !ok || name != "primary" {
		t.Errorf("MatchSource(resolved host) = %q, %v", name, ok)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := newBackoff()
	b.attempt = 20

	if d := b.next(); d > time.Duration(float64(5*time.Minute)*1.2) {
		t.Errorf("capped delay = %v, want at most max plus jitter", d)
	}
}

func TestReportTargetOutcomeIgnoresNonSRV(t *testing.T) {
	m := newTestManager(t, nil)
	// No resolver wired; must not panic for either flavor of target.
	m.ReportTargetOutcome(Target{Host: "h", Port: 5060}, false)
	m.ReportTargetOutcome(Target{Host: "h", Port: 5060, SRVResolved: true}, true)
}
