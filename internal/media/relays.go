// Package media owns the RTP plane: the SDP codec, the even-port pool,
// the per-call relay slots and the RFC 2833 DTMF pipeline. One slot
// serves one call: both parties send to the slot's single even port and
// direction is resolved by source address, so a relay consumes exactly
// one RTP/RTCP port pair per call.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrNoSlot means the call id has no allocated relay slot.
var ErrNoSlot = errors.New("no relay slot for call")

// Relays manages the relay slots of all active calls.
type Relays struct {
	logger *slog.Logger
	pool   *PortPool
	dtmfPT uint8
	events func(Event)

	mu    sync.Mutex
	slots map[string]*Slot
}

// NewRelays creates the relay manager. events receives DTMF and
// media-timeout notifications and must not block; the call manager
// forwards them into per-call mailboxes.
func NewRelays(pool *PortPool, dtmfPT uint8, events func(Event), logger *slog.Logger) *Relays {
	return &Relays{
		logger: logger.With("component", "media"),
		pool:   pool,
		dtmfPT: dtmfPT,
		events: events,
		slots:  make(map[string]*Slot),
	}
}

// Allocate draws an even port from the pool, binds the RTP and RTCP
// sockets and starts the slot's forwarders. Returns ErrPoolExhausted
// when the range is fully in use.
func (r *Relays) Allocate(callID string) (rtpPort, rtcpPort int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[callID]; exists {
		return 0, 0, fmt.Errorf("call %s already holds a relay slot", callID)
	}

	// A port from the pool can be bound elsewhere on the host; skip
	// such ports without burning a cool-down.
	for attempts := 0; attempts < 8; attempts++ {
		port, err := r.pool.Allocate()
		if err != nil {
			return 0, 0, err
		}
		slot, err := newSlot(callID, port, r.dtmfPT, r.events, r.logger)
		if err != nil {
			r.logger.Warn("binding relay port failed, trying next", "port", port, "error", err)
			r.pool.Release(port)
			continue
		}
		r.slots[callID] = slot
		r.logger.Info("relay allocated", "call_id", callID, "rtp_port", port, "rtcp_port", port+1)
		return port, port + 1, nil
	}
	return 0, 0, ErrPoolExhausted
}

// SetEndpoints publishes both remote addresses for the call after SDP
// negotiation completes on both legs.
func (r *Relays) SetEndpoints(callID string, caller, callee *net.UDPAddr) error {
	slot, ok := r.slot(callID)
	if !ok {
		return ErrNoSlot
	}
	slot.SetEndpoints(caller, callee)
	return nil
}

// SetHold suspends or resumes forwarding for the call.
func (r *Relays) SetHold(callID string, hold bool) error {
	slot, ok := r.slot(callID)
	if !ok {
		return ErrNoSlot
	}
	slot.SetHold(hold)
	return nil
}

// AttachRecorder tees caller audio for the call to sink.
func (r *Relays) AttachRecorder(callID string, sink RecorderSink) error {
	slot, ok := r.slot(callID)
	if !ok {
		return ErrNoSlot
	}
	slot.AttachRecorder(sink)
	return nil
}

// DetachRecorder removes the tee.
func (r *Relays) DetachRecorder(callID string) {
	if slot, ok := r.slot(callID); ok {
		slot.DetachRecorder()
	}
}

// SendDTMF re-emits a digit as RFC 2833 toward the callee leg.
func (r *Relays) SendDTMF(callID string, digit rune, duration time.Duration) error {
	slot, ok := r.slot(callID)
	if !ok {
		return ErrNoSlot
	}
	return slot.SendDTMF(digit, duration)
}

// Port returns the RTP port held by the call's slot.
func (r *Relays) Port(callID string) (int, error) {
	slot, ok := r.slot(callID)
	if !ok {
		return 0, ErrNoSlot
	}
	return slot.Port(), nil
}

// Release closes the call's sockets and returns the port pair to the
// pool (after its cool-down). Releasing an unknown call id is a no-op,
// keeping teardown idempotent.
func (r *Relays) Release(callID string) {
	r.mu.Lock()
	slot, ok := r.slots[callID]
	if ok {
		delete(r.slots, callID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	slot.close()
	r.pool.Release(slot.Port())
	r.logger.Info("relay released", "call_id", callID, "rtp_port", slot.Port())
}

// ActiveCount returns the number of live slots.
func (r *Relays) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Close releases every slot and closes the pool.
func (r *Relays) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Release(id)
	}
	r.pool.Close()
}

func (r *Relays) slot(callID string) (*Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[callID]
	return slot, ok
}
