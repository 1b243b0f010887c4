// Package dialplan decides where a dialed number is routed. Patterns
// are evaluated in a fixed order (internal, conference, voicemail,
// parking, paging, emergency, external) and the first match wins.
// External routes consult the least-cost-routing engine when one is
// wired, falling back to the default trunk.
package dialplan

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/coralpbx/coralpbx/internal/config"
)

var (
	// ErrNoRoute means no pattern matched and no trunk could take the
	// call. Maps to 404.
	ErrNoRoute = errors.New("no route for dialed number")

	// ErrForbidden means a pattern matched but the caller lacks
	// permission (e.g. external dialing without allow_external). Maps
	// to 403.
	ErrForbidden = errors.New("caller not permitted to reach destination")
)

// Action tags the routing decision variant.
type Action int

const (
	ActionExtension Action = iota
	ActionConference
	ActionVoicemail
	ActionPark
	ActionPaging
	ActionTrunk
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionExtension:
		return "extension"
	case ActionConference:
		return "conference"
	case ActionVoicemail:
		return "voicemail"
	case ActionPark:
		return "park"
	case ActionPaging:
		return "paging"
	case ActionTrunk:
		return "trunk"
	case ActionReject:
		return "reject"
	}
	return "unknown"
}

// Decision is the routing outcome for one dialed number.
type Decision struct {
	Action Action

	// Extension is set for ActionExtension.
	Extension string

	// Room is the conference room number for ActionConference.
	Room string

	// Mailbox is set for ActionVoicemail (direct IVR access).
	Mailbox string

	// Slot is the parking slot for ActionPark.
	Slot string

	// Zone is the paging zone for ActionPaging.
	Zone string

	// Trunk and EstimatedCost are set for ActionTrunk.
	Trunk         string
	EstimatedCost float64

	// Emergency marks trunk routes that bypassed LCR.
	Emergency bool
}

// CostRouter is the least-cost-routing collaborator contract. Select
// returns the chosen trunk and estimated cost, or ok=false when no
// rate entry matches.
type CostRouter interface {
	Select(dialed string, trunks []string) (trunk string, cost float64, ok bool)
}

// PermissionSource exposes the caller attributes the router checks.
type PermissionSource interface {
	Extension(number string) (AllowExternal bool, err error)
}

// Router evaluates the compiled dial plan.
type Router struct {
	logger *slog.Logger

	internal   *regexp.Regexp
	conference *regexp.Regexp
	voicemail  *regexp.Regexp
	parking    *regexp.Regexp
	paging     *regexp.Regexp
	emergency  map[string]bool

	defaultTrunk string
	trunks       []string
	lcr          CostRouter
	perms        PermissionSource
}

// New compiles the configured patterns. trunks lists the configured
// trunk names in order; lcr may be nil when least-cost routing is
// disabled.
func New(cfg config.DialPlanConfig, trunks []string, lcr CostRouter, perms PermissionSource, logger *slog.Logger) (*Router, error) {
	r := &Router{
		logger:       logger.With("component", "dialplan"),
		emergency:    make(map[string]bool, len(cfg.EmergencyNumbers)),
		defaultTrunk: cfg.DefaultTrunk,
		trunks:       trunks,
		lcr:          lcr,
		perms:        perms,
	}
	for _, n := range cfg.EmergencyNumbers {
		r.emergency[n] = true
	}

	var err error
	compile := func(name, pattern string) *regexp.Regexp {
		if err != nil || pattern == "" {
			return nil
		}
		var re *regexp.Regexp
		re, err = regexp.Compile(pattern)
		if err != nil {
			err = fmt.Errorf("compiling %s pattern: %w", name, err)
		}
		return re
	}
	r.internal = compile("internal", cfg.InternalPattern)
	r.conference = compile("conference", cfg.ConferencePattern)
	r.voicemail = compile("voicemail", cfg.VoicemailPattern)
	r.parking = compile("parking", cfg.ParkingPattern)
	r.paging = compile("paging", cfg.PagingPattern)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Route returns the single decision for (fromExt, dialed). Permission
// checks run before the decision is returned.
func (r *Router) Route(fromExt, dialed string) (*Decision, error) {
	if r.internal != nil && r.internal.MatchString(dialed) {
		return &Decision{Action: ActionExtension, Extension: dialed}, nil
	}
	if r.conference != nil && r.conference.MatchString(dialed) {
		return &Decision{Action: ActionConference, Room: dialed}, nil
	}
	if r.voicemail != nil && r.voicemail.MatchString(dialed) {
		// *NNN addresses mailbox NNN directly.
		return &Decision{Action: ActionVoicemail, Mailbox: dialed[1:]}, nil
	}
	if r.parking != nil && r.parking.MatchString(dialed) {
		return &Decision{Action: ActionPark, Slot: dialed}, nil
	}
	if r.paging != nil && r.paging.MatchString(dialed) {
		return &Decision{Action: ActionPaging, Zone: dialed}, nil
	}
	if r.emergency[dialed] {
		trunk := r.defaultTrunk
		if trunk == "" && len(r.trunks) > 0 {
			trunk = r.trunks[0]
		}
		if trunk == "" {
			return nil, fmt.Errorf("emergency number %s dialed: %w", dialed, ErrNoRoute)
		}
		r.logger.Warn("emergency call routed", "from", fromExt, "dialed", dialed, "trunk", trunk)
		return &Decision{Action: ActionTrunk, Trunk: trunk, Emergency: true}, nil
	}

	return r.routeExternal(fromExt, dialed)
}

func (r *Router) routeExternal(fromExt, dialed string) (*Decision, error) {
	if r.perms != nil {
		allowed, err := r.perms.Extension(fromExt)
		if err != nil {
			return nil, fmt.Errorf("checking permissions for %s: %w", fromExt, err)
		}
		if !allowed {
			return nil, ErrForbidden
		}
	}

	if len(r.trunks) == 0 {
		return nil, ErrNoRoute
	}

	if r.lcr != nil {
		if trunk, cost, ok := r.lcr.Select(dialed, r.trunks); ok {
			return &Decision{Action: ActionTrunk, Trunk: trunk, EstimatedCost: cost}, nil
		}
	}

	trunk := r.defaultTrunk
	if trunk == "" {
		trunk = r.trunks[0]
	}
	return &Decision{Action: ActionTrunk, Trunk: trunk}, nil
}
