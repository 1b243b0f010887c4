package call

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/coralpbx/coralpbx/internal/timer"
)

const mailboxSize = 64

type msgKind int

const (
	msgCalleeResponse msgKind = iota
	msgBye
	msgCancel
	msgEnd
	msgHold
	msgResume
	msgTransfer
	msgNoAnswer
	msgMediaTimeout
	msgDTMF
)

// message is one unit of work for a call task. External callers post
// messages; the task processes them in arrival order, which is what
// keeps "BYE received" and "no-answer timer fired" from racing.
type message struct {
	kind       msgKind
	status     int
	reason     string
	rtpAddr    *net.UDPAddr
	fromCaller bool
	endReason  string
	target     string
	digit      rune
	duration   time.Duration
	reply      chan error
}

type call struct {
	id      string
	manager *Manager
	logger  *slog.Logger
	machine *fsm.FSM

	inbox chan message
	done  chan struct{}

	// mu guards the snapshot fields below; the task writes, snapshot
	// readers only read.
	mu                sync.Mutex
	from              string
	to                string
	dialed            string
	direction         Direction
	trunk             string
	createdAt         time.Time
	connectedAt       time.Time
	endedAt           time.Time
	rtpPort           int
	hold              bool
	routedToVoicemail bool
	endReason         string
	estimatedCost     float64

	callerRTP *net.UDPAddr
	calleeRTP *net.UDPAddr

	noAnswerTimer timer.ID
	haveTimer     bool

	dtmfHandler func(digit rune, duration time.Duration)
}

func newCall(m *Manager, p StartParams, rtpPort int) *call {
	c := &call{
		id:            p.ID,
		manager:       m,
		logger:        m.logger.With("call_id", p.ID, "from", p.FromExt, "to", p.ToExt),
		inbox:         make(chan message, mailboxSize),
		done:          make(chan struct{}),
		from:          p.FromExt,
		to:            p.ToExt,
		dialed:        p.Dialed,
		direction:     p.Direction,
		trunk:         p.Trunk,
		createdAt:     time.Now(),
		rtpPort:       rtpPort,
		callerRTP:     p.CallerRTP,
		estimatedCost: p.EstimatedCost,
	}
	c.machine = fsm.NewFSM(StateRinging,
		fsm.Events{
			{Name: "early", Src: []string{StateRinging}, Dst: StateEarlyMedia},
			{Name: "answer", Src: []string{StateRinging, StateEarlyMedia}, Dst: StateConnected},
			{Name: "hold", Src: []string{StateConnected}, Dst: StateOnHold},
			{Name: "resume", Src: []string{StateOnHold}, Dst: StateConnected},
			{Name: "end", Src: []string{StateRinging, StateEarlyMedia, StateConnected, StateOnHold}, Dst: StateEnding},
			{Name: "ended", Src: []string{StateEnding}, Dst: StateEnded},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("call state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return c
}

// post enqueues a message without blocking. A full mailbox drops the
// message; 64 pending control messages on one call means the call is
// already wedged.
func (c *call) post(msg message) {
	select {
	case c.inbox <- msg:
	case <-c.done:
		if msg.reply != nil {
			msg.reply <- ErrBadState
		}
	default:
		c.logger.Warn("call mailbox full, dropping message", "kind", msg.kind)
		if msg.reply != nil {
			msg.reply <- fmt.Errorf("call %s mailbox full", c.id)
		}
	}
}

// run is the call task. All state mutation happens here.
func (c *call) run() {
	defer c.manager.wg.Done()
	defer close(c.done)

	for msg := range c.inbox {
		c.handle(msg)
		if c.state() == StateEnded {
			// Absorb whatever is already queued, then exit. The
			// call stays enumerable until the retention purge.
			for {
				select {
				case late := <-c.inbox:
					if late.reply != nil {
						late.reply <- ErrBadState
					}
				default:
					return
				}
			}
		}
	}
}

func (c *call) handle(msg message) {
	var err error
	switch msg.kind {
	case msgCalleeResponse:
		c.handleCalleeResponse(msg.status, msg.reason, msg.rtpAddr)
	case msgBye:
		c.handleBye(msg.fromCaller)
	case msgCancel:
		err = c.handleCancel()
	case msgEnd:
		c.handleEnd(msg.endReason)
	case msgHold:
		err = c.handleHold(true)
	case msgResume:
		err = c.handleHold(false)
	case msgTransfer:
		err = c.handleTransfer(msg.target)
	case msgNoAnswer:
		c.handleNoAnswer()
	case msgMediaTimeout:
		c.handleMediaTimeout()
	case msgDTMF:
		c.handleDTMF(msg.digit, msg.duration)
	}
	if msg.reply != nil {
		msg.reply <- err
	}
}

func (c *call) handleCalleeResponse(status int, reason string, rtpAddr *net.UDPAddr) {
	state := c.state()

	// A 200 OK racing the no-answer divert: the dialog toward the
	// callee must still be completed and torn down.
	if state == StateEnding || state == StateEnded {
		if status >= 200 && status < 300 {
			c.signalErr("ack", c.manager.signaler.AckCallee(c.id))
			c.signalErr("bye callee", c.manager.signaler.ByeCallee(c.id))
		}
		return
	}

	switch {
	case status < 200:
		if rtpAddr != nil && state == StateRinging {
			c.mu.Lock()
			c.calleeRTP = rtpAddr
			c.mu.Unlock()
			c.event("early")
			if err := c.manager.media.SetEndpoints(c.id, c.callerRTP, rtpAddr); err != nil {
				c.logger.Warn("setting early media endpoints", "error", err)
			}
		}
		c.signalErr("provisional", c.manager.signaler.RespondCaller(c.id, status, reason, rtpAddr != nil))

	case status < 300:
		c.cancelNoAnswerTimer()
		if rtpAddr != nil {
			c.mu.Lock()
			c.calleeRTP = rtpAddr
			c.mu.Unlock()
		}
		c.mu.Lock()
		caller, callee := c.callerRTP, c.calleeRTP
		c.mu.Unlock()
		if callee == nil {
			c.logger.Error("200 OK without SDP endpoint, ending call")
			c.signalErr("ack", c.manager.signaler.AckCallee(c.id))
			c.signalErr("bye callee", c.manager.signaler.ByeCallee(c.id))
			c.signalErr("respond", c.manager.signaler.RespondCaller(c.id, 502, "Bad Gateway", false))
			c.finish("invalid_answer")
			return
		}
		if err := c.manager.media.SetEndpoints(c.id, caller, callee); err != nil {
			c.logger.Error("setting relay endpoints", "error", err)
		}
		c.signalErr("ack", c.manager.signaler.AckCallee(c.id))
		c.signalErr("answer", c.manager.signaler.RespondCaller(c.id, 200, "OK", true))
		c.event("answer")
		c.mu.Lock()
		c.connectedAt = time.Now()
		c.mu.Unlock()
		c.logger.Info("call connected")

	default:
		c.cancelNoAnswerTimer()
		c.signalErr("respond", c.manager.signaler.RespondCaller(c.id, status, reason, false))
		c.logger.Info("callee rejected call", "status", status, "reason", reason)
		c.finish(fmt.Sprintf("callee_%d", status))
	}
}

// handleBye absorbs duplicates: a BYE on an ending or ended call is a
// no-op here, the SIP layer still answers it 200.
func (c *call) handleBye(fromCaller bool) {
	switch c.state() {
	case StateEnding, StateEnded:
		return
	case StateRinging, StateEarlyMedia:
		// BYE before answer never connects the call.
		if fromCaller {
			c.signalErr("cancel callee", c.manager.signaler.CancelCallee(c.id))
		}
	case StateConnected, StateOnHold:
		if fromCaller {
			c.signalErr("bye callee", c.manager.signaler.ByeCallee(c.id))
		} else {
			c.signalErr("bye caller", c.manager.signaler.ByeCaller(c.id))
		}
	}
	c.finish("bye")
}

// handleCancel is valid only before the 200 OK; afterwards the SIP
// layer answers the CANCEL with 481 and the call stays connected.
func (c *call) handleCancel() error {
	switch c.state() {
	case StateRinging, StateEarlyMedia:
	default:
		return ErrBadState
	}
	c.signalErr("cancel callee", c.manager.signaler.CancelCallee(c.id))
	c.signalErr("respond", c.manager.signaler.RespondCaller(c.id, 487, "Request Terminated", false))
	c.finish("cancel")
	return nil
}

func (c *call) handleEnd(reason string) {
	switch c.state() {
	case StateEnding, StateEnded:
		return
	case StateRinging, StateEarlyMedia:
		c.signalErr("cancel callee", c.manager.signaler.CancelCallee(c.id))
		c.signalErr("respond", c.manager.signaler.RespondCaller(c.id, 480, "Temporarily Unavailable", false))
	case StateConnected, StateOnHold:
		c.signalErr("bye caller", c.manager.signaler.ByeCaller(c.id))
		c.signalErr("bye callee", c.manager.signaler.ByeCallee(c.id))
	}
	c.finish(reason)
}

func (c *call) handleHold(hold bool) error {
	event := "hold"
	if !hold {
		event = "resume"
	}
	if err := c.event(event); err != nil {
		return ErrBadState
	}
	c.mu.Lock()
	c.hold = hold
	c.mu.Unlock()
	if err := c.manager.media.SetHold(c.id, hold); err != nil {
		c.logger.Warn("setting relay hold", "hold", hold, "error", err)
	}
	c.logger.Info("call hold changed", "hold", hold)
	return nil
}

func (c *call) handleTransfer(target string) error {
	if c.state() != StateConnected {
		return ErrBadState
	}
	if err := c.manager.signaler.Refer(c.id, target); err != nil {
		return fmt.Errorf("sending refer: %w", err)
	}
	c.logger.Info("transfer initiated", "target", target)
	return nil
}

// handleNoAnswer diverts a still-ringing call to voicemail. The
// routedToVoicemail flag makes the divert exactly-once even if the
// timer callback and a late answer race into the mailbox.
func (c *call) handleNoAnswer() {
	switch c.state() {
	case StateRinging, StateEarlyMedia:
	default:
		return
	}
	c.mu.Lock()
	if c.routedToVoicemail {
		c.mu.Unlock()
		return
	}
	c.routedToVoicemail = true
	c.haveTimer = false
	mailbox := c.to
	from := c.from
	c.mu.Unlock()

	c.signalErr("cancel callee", c.manager.signaler.CancelCallee(c.id))

	if c.manager.vmAnswerMode {
		// Answer the caller into a voicemail session: the IVR will
		// attach itself as the callee media endpoint.
		c.signalErr("answer", c.manager.signaler.RespondCaller(c.id, 200, "OK", true))
		c.event("answer")
		c.mu.Lock()
		c.connectedAt = time.Now()
		c.mu.Unlock()
		c.logger.Info("no answer, diverting to voicemail", "mailbox", mailbox)
		if c.manager.voicemail != nil {
			c.manager.voicemail.OnNoAnswer(c.id, from, mailbox, true)
		}
		return
	}

	c.signalErr("respond", c.manager.signaler.RespondCaller(c.id, 486, "Busy Here", false))
	c.logger.Info("no answer, rejecting caller", "mailbox", mailbox)
	if c.manager.voicemail != nil {
		c.manager.voicemail.OnNoAnswer(c.id, from, mailbox, false)
	}
	c.finish("no_answer")
}

func (c *call) handleMediaTimeout() {
	switch c.state() {
	case StateConnected, StateOnHold:
	default:
		return
	}
	c.logger.Warn("media inactivity timeout, ending call")
	c.signalErr("bye caller", c.manager.signaler.ByeCaller(c.id))
	c.signalErr("bye callee", c.manager.signaler.ByeCallee(c.id))
	c.finish("media_timeout")
}

func (c *call) handleDTMF(digit rune, duration time.Duration) {
	c.logger.Debug("dtmf received", "digit", string(digit), "duration", duration)
	c.mu.Lock()
	handler := c.dtmfHandler
	c.mu.Unlock()
	if handler != nil {
		handler(digit, duration)
	}
}

// finish runs the ENDING cleanup and moves the call to ENDED: cancel
// the no-answer timer, release the relay, write the CDR, schedule the
// retention purge.
func (c *call) finish(reason string) {
	if err := c.event("end"); err != nil {
		return
	}

	c.cancelNoAnswerTimer()
	c.manager.media.Release(c.id)

	now := time.Now()
	c.mu.Lock()
	c.endedAt = now
	c.endReason = reason
	c.mu.Unlock()

	c.event("ended")
	c.logger.Info("call ended", "reason", reason, "duration", now.Sub(c.createdAt).Round(time.Second))

	c.manager.writeCDR(c.snapshot())
	c.manager.onCallEnded(c.id, reason)
}

func (c *call) cancelNoAnswerTimer() {
	c.mu.Lock()
	have := c.haveTimer
	id := c.noAnswerTimer
	c.haveTimer = false
	c.mu.Unlock()
	if have {
		c.manager.timers.Cancel(id)
	}
}

func (c *call) state() string {
	return c.machine.Current()
}

func (c *call) event(name string) error {
	return c.machine.Event(context.Background(), name)
}

func (c *call) signalErr(op string, err error) {
	if err != nil {
		c.logger.Warn("signaling failed", "op", op, "error", err)
	}
}

func (c *call) snapshot() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:                c.id,
		From:              c.from,
		To:                c.to,
		Dialed:            c.dialed,
		Direction:         c.direction,
		Trunk:             c.trunk,
		State:             c.machine.Current(),
		CreatedAt:         c.createdAt,
		ConnectedAt:       c.connectedAt,
		EndedAt:           c.endedAt,
		RTPPort:           c.rtpPort,
		Hold:              c.hold,
		RoutedToVoicemail: c.routedToVoicemail,
		EndReason:         c.endReason,
		EstimatedCost:     c.estimatedCost,
	}
}
