package dialplan

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/coralpbx/coralpbx/internal/config"
)

type fakePerms struct {
	external map[string]bool
}

func (f *fakePerms) Extension(number string) (bool, error) {
	allowed, ok := f.external[number]
	if !ok {
		return false, errors.New("unknown extension")
	}
	return allowed, nil
}

type fakeLCR struct {
	trunk string
	cost  float64
	ok    bool
}

func (f *fakeLCR) Select(dialed string, trunks []string) (string, float64, bool) {
	return f.trunk, f.cost, f.ok
}

func newTestRouter(t *testing.T, trunks []string, lcr CostRouter) *Router {
	t.Helper()
	cfg := config.Default().DialPlan
	cfg.DefaultTrunk = ""
	perms := &fakePerms{external: map[string]bool{"1001": true, "1002": false}}
	r, err := New(cfg, trunks, lcr, perms, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRouteOrder(t *testing.T) {
	r := newTestRouter(t, []string{"carrier1"}, nil)

	tests := []struct {
		dialed string
		action Action
		field  string
	}{
		{"1002", ActionExtension, "1002"},
		{"2001", ActionConference, "2001"},
		{"*101", ActionVoicemail, "101"},
		{"801", ActionPark, "801"},
		{"701", ActionPaging, "701"},
		{"911", ActionTrunk, "carrier1"},
	}

	for _, tt := range tests {
		t.Run(tt.dialed, func(t *testing.T) {
			d, err := r.Route("1001", tt.dialed)
			if err != nil {
				t.Fatalf("Route(%s): %v", tt.dialed, err)
			}
			if d.Action != tt.action {
				t.Fatalf("action = %s, want %s", d.Action, tt.action)
			}
			var got string
			switch d.Action {
			case ActionExtension:
				got = d.Extension
			case ActionConference:
				got = d.Room
			case ActionVoicemail:
				got = d.Mailbox
			case ActionPark:
				got = d.Slot
			case ActionPaging:
				got = d.Zone
			case ActionTrunk:
				got = d.Trunk
			}
			if got != tt.field {
				t.Errorf("target = %s, want %s", got, tt.field)
			}
		})
	}
}

func TestEmergencyBypassesLCR(t *testing.T) {
	lcr := &fakeLCR{trunk: "cheap", cost: 0.001, ok: true}
	r := newTestRouter(t, []string{"carrier1", "cheap"}, lcr)

	d, err := r.Route("1002", "911") // even without allow_external
	if err != nil {
		t.Fatalf("Route(911): %v", err)
	}
	if !d.Emergency {
		t.Error("emergency flag not set")
	}
	if d.Trunk != "carrier1" {
		t.Errorf("trunk = %s, want first configured carrier1 (LCR bypassed)", d.Trunk)
	}
}

func TestExternalUsesLCR(t *testing.T) {
	lcr := &fakeLCR{trunk: "cheap", cost: 0.02, ok: true}
	r := newTestRouter(t, []string{"carrier1", "cheap"}, lcr)

	d, err := r.Route("1001", "0049301234567")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Action != ActionTrunk || d.Trunk != "cheap" {
		t.Errorf("decision = %s/%s, want trunk/cheap", d.Action, d.Trunk)
	}
	if d.EstimatedCost != 0.02 {
		t.Errorf("cost = %f, want 0.02", d.EstimatedCost)
	}
}

func TestExternalFallsBackToDefaultTrunk(t *testing.T) {
	r := newTestRouter(t, []string{"carrier1"}, &fakeLCR{ok: false})

	d, err := r.Route("1001", "0049301234567")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Trunk != "carrier1" {
		t.Errorf("trunk = %s, want carrier1", d.Trunk)
	}
}

func TestExternalForbiddenWithoutPermission(t *testing.T) {
	r := newTestRouter(t, []string{"carrier1"}, nil)

	_, err := r.Route("1002", "0049301234567")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestExternalNoTrunksIsNoRoute(t *testing.T) {
	r := newTestRouter(t, nil, nil)

	_, err := r.Route("1001", "0049301234567")
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v, want ErrNoRoute", err)
	}
}
