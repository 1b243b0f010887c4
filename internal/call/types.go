// Package call implements the dialog/call manager: one task per active
// call with a private mailbox, a finite-state machine over the call
// lifecycle, the no-answer voicemail divert and end-of-call cleanup.
package call

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrCallNotFound is returned for operations on unknown call IDs.
	ErrCallNotFound = errors.New("call not found")
	// ErrBadState is returned when an operation is not valid in the
	// call's current state.
	ErrBadState = errors.New("operation not valid in current call state")
)

// Call states.
const (
	StateRinging    = "ringing"
	StateEarlyMedia = "early_media"
	StateConnected  = "connected"
	StateOnHold     = "on_hold"
	StateEnding     = "ending"
	StateEnded      = "ended"
)

// Direction classifies where a call came from and where it goes.
type Direction string

const (
	DirectionInternal Direction = "internal"
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Info is a point-in-time snapshot of a call, safe to hand to the API
// layer and CDR writer.
type Info struct {
	ID                string
	From              string
	To                string
	Dialed            string
	Direction         Direction
	Trunk             string
	State             string
	CreatedAt         time.Time
	ConnectedAt       time.Time
	EndedAt           time.Time
	RTPPort           int
	Hold              bool
	RoutedToVoicemail bool
	EndReason         string
	EstimatedCost     float64
}

// CDR is the call detail record written when a call reaches ENDED.
type CDR struct {
	CallID          string
	From            string
	To              string
	Dialed          string
	Direction       Direction
	Trunk           string
	StartedAt       time.Time
	AnsweredAt      time.Time
	EndedAt         time.Time
	BillableSeconds int
	EndReason       string
	Cost            float64
}

// Signaler sends SIP toward the two legs of a call. Implemented by the
// SIP server, which owns the transactions and dialog state.
type Signaler interface {
	// RespondCaller sends a response on the caller's original INVITE
	// transaction. withSDP asks for an answer SDP pointing at the
	// call's relay port.
	RespondCaller(callID string, status int, reason string, withSDP bool) error
	AckCallee(callID string) error
	CancelCallee(callID string) error
	ByeCaller(callID string) error
	ByeCallee(callID string) error
	// Refer asks the caller's phone to call the new destination.
	Refer(callID string, destination string) error
}

// MediaController is the slice of the RTP relay manager the call task
// drives. Satisfied by *media.Relays.
type MediaController interface {
	Allocate(callID string) (rtpPort, rtcpPort int, err error)
	SetEndpoints(callID string, caller, callee *net.UDPAddr) error
	SetHold(callID string, hold bool) error
	Release(callID string)
}

// CDRSink receives the record for every ended call. Implemented by the
// database layer; a nil sink disables CDR writing.
type CDRSink interface {
	WriteCDR(ctx context.Context, rec CDR) error
}

// VoicemailHandler is notified when the no-answer timer diverts a call.
// answered reports whether the caller leg was answered into a voicemail
// session (answer mode) or rejected with 486 (reject mode).
type VoicemailHandler interface {
	OnNoAnswer(callID, fromExt, mailbox string, answered bool)
}
