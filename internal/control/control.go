// Package control is the narrow in-process surface feature modules and
// the HTTP API consume. It hides the call manager, registry, relay
// manager and trunk subsystem behind one interface so collaborators
// never reach into core internals.
package control

import (
	"context"
	"net"
	"time"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/database"
	"github.com/coralpbx/coralpbx/internal/media"
	"github.com/coralpbx/coralpbx/internal/registry"
	"github.com/coralpbx/coralpbx/internal/timer"
	"github.com/coralpbx/coralpbx/internal/trunk"
)

// Status is the aggregate health snapshot returned by AdminControl.Status.
type Status struct {
	Running              bool          `json:"running"`
	Uptime               time.Duration `json:"uptime"`
	ActiveCalls          int           `json:"active_calls"`
	RegisteredExtensions int           `json:"registered_extensions"`
	RelaySlots           int           `json:"relay_slots"`
	PendingTimers        int           `json:"pending_timers"`
	Trunks               []trunk.State `json:"trunks"`
}

// AdminControl is what the admin API and feature modules are allowed to
// do to the core. Operations are idempotent where the underlying call
// state permits.
type AdminControl interface {
	ListCalls() []call.Info
	GetCall(callID string) (call.Info, error)
	EndCall(callID string) error
	TransferCall(callID, destination string) error
	Hold(callID string) error
	Resume(callID string) error

	// AllocateSyntheticRelay claims a relay slot outside any SIP dialog,
	// for synthesized legs (voicemail IVR, conference mixer).
	AllocateSyntheticRelay(id string) (rtpPort int, err error)
	// InjectEndpoint points a relay slot's legs at explicit addresses.
	InjectEndpoint(id string, caller, callee *net.UDPAddr) error
	ReleaseRelay(id string)

	ListExtensions() []registry.ExtensionStatus
	Status() Status
	ExportPhoneBook(ctx context.Context) (int, error)
}

// MediaEndpoint is a PBX-hosted destination the dial plan can route a
// call to instead of another phone: the voicemail IVR today, a
// conference mixer or paging gateway when those collaborators are wired.
type MediaEndpoint interface {
	// AcceptCall answers a call leg. It returns the local RTP port the
	// caller's SDP answer should advertise.
	AcceptCall(callID, caller, destination string, callerRTP *net.UDPAddr) (rtpPort int, err error)
	ReceiveDTMF(callID string, digit rune, duration time.Duration)
	Release(callID string)
}

// Core implements AdminControl over the live subsystems.
type Core struct {
	calls    *call.Manager
	registry *registry.Registry
	relays   *media.Relays
	trunks   *trunk.Manager
	timers   *timer.Service
	store    database.Store
	started  time.Time
}

// NewCore wires the control surface. trunks and store may be nil when
// those subsystems are disabled.
func NewCore(calls *call.Manager, reg *registry.Registry, relays *media.Relays, trunks *trunk.Manager, timers *timer.Service, store database.Store) *Core {
	return &Core{
		calls:    calls,
		registry: reg,
		relays:   relays,
		trunks:   trunks,
		timers:   timers,
		store:    store,
		started:  time.Now(),
	}
}

func (c *Core) ListCalls() []call.Info { return c.calls.Enumerate() }

func (c *Core) GetCall(callID string) (call.Info, error) { return c.calls.Get(callID) }

func (c *Core) EndCall(callID string) error { return c.calls.End(callID, "admin") }

func (c *Core) TransferCall(callID, destination string) error {
	return c.calls.Transfer(callID, destination)
}

func (c *Core) Hold(callID string) error { return c.calls.Hold(callID) }

func (c *Core) Resume(callID string) error { return c.calls.Resume(callID) }

func (c *Core) AllocateSyntheticRelay(id string) (int, error) {
	rtpPort, _, err := c.relays.Allocate(id)
	return rtpPort, err
}

func (c *Core) InjectEndpoint(id string, caller, callee *net.UDPAddr) error {
	return c.relays.SetEndpoints(id, caller, callee)
}

func (c *Core) ReleaseRelay(id string) { c.relays.Release(id) }

func (c *Core) ListExtensions() []registry.ExtensionStatus { return c.registry.Enumerate() }

func (c *Core) Status() Status {
	st := Status{
		Running:              true,
		Uptime:               time.Since(c.started),
		ActiveCalls:          c.calls.ActiveCount(),
		RegisteredExtensions: c.registry.RegisteredCount(),
		RelaySlots:           c.relays.ActiveCount(),
		PendingTimers:        c.timers.Pending(),
	}
	if c.trunks != nil {
		st.Trunks = c.trunks.States()
	}
	return st
}

// ExportPhoneBook writes the current extension directory to the
// database. Returns the number of exported entries.
func (c *Core) ExportPhoneBook(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	n := 0
	for _, ext := range c.registry.Enumerate() {
		entry := database.PhoneBookEntry{
			Number: ext.Number,
			Name:   ext.Name,
			Email:  ext.Email,
		}
		if err := c.store.UpsertPhoneBookEntry(ctx, entry); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
