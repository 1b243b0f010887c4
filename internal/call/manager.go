package call

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coralpbx/coralpbx/internal/media"
	"github.com/coralpbx/coralpbx/internal/timer"
)

// defaultRetention keeps ENDED calls enumerable before they are purged.
const defaultRetention = 60 * time.Second

// StartParams describes a new call accepted by the dial plan.
type StartParams struct {
	ID        string
	FromExt   string
	ToExt     string
	Dialed    string
	Direction Direction
	Trunk     string
	// CallerRTP is the caller's media endpoint from the INVITE SDP.
	CallerRTP     *net.UDPAddr
	EstimatedCost float64
}

// ManagerConfig tunes the call manager.
type ManagerConfig struct {
	NoAnswerTimeout time.Duration
	// VoicemailAnswerMode answers the caller into a voicemail session
	// on no-answer instead of rejecting with 486.
	VoicemailAnswerMode bool
	Retention           time.Duration
}

// Manager owns all active calls. Every mutation of a call flows through
// that call's mailbox; the manager only routes messages and keeps the
// call index.
type Manager struct {
	logger       *slog.Logger
	media        MediaController
	timers       *timer.Service
	signaler     Signaler
	cdr          CDRSink
	voicemail    VoicemailHandler
	endObserver  func(Info)
	noAnswer     time.Duration
	vmAnswerMode bool
	retention    time.Duration

	mu       sync.RWMutex
	calls    map[string]*call
	shutdown bool

	wg sync.WaitGroup
}

// NewManager creates the call manager. SetSignaler must be called
// before the first StartCall.
func NewManager(mediaCtl MediaController, timers *timer.Service, cfg ManagerConfig, logger *slog.Logger) *Manager {
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	noAnswer := cfg.NoAnswerTimeout
	if noAnswer <= 0 {
		noAnswer = 30 * time.Second
	}
	return &Manager{
		logger:       logger.With("subsystem", "calls"),
		media:        mediaCtl,
		timers:       timers,
		noAnswer:     noAnswer,
		vmAnswerMode: cfg.VoicemailAnswerMode,
		retention:    retention,
		calls:        make(map[string]*call),
	}
}

// SetSignaler wires the SIP layer in. Separate from the constructor
// because the SIP server and the call manager reference each other.
func (m *Manager) SetSignaler(s Signaler) { m.signaler = s }

// SetCDRSink wires the CDR writer; nil disables CDRs.
func (m *Manager) SetCDRSink(s CDRSink) { m.cdr = s }

// SetVoicemailHandler wires the voicemail collaborator.
func (m *Manager) SetVoicemailHandler(h VoicemailHandler) { m.voicemail = h }

// SetEndObserver registers a hook invoked once per ended call, used
// for trunk quality feedback and metrics.
func (m *Manager) SetEndObserver(fn func(Info)) { m.endObserver = fn }

// StartCall allocates a relay slot, creates the call in RINGING with
// the no-answer timer armed, and returns the allocated RTP port for
// the outbound SDP.
func (m *Manager) StartCall(p StartParams) (rtpPort int, err error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return 0, fmt.Errorf("call manager is shutting down")
	}
	if _, exists := m.calls[p.ID]; exists {
		m.mu.Unlock()
		return 0, fmt.Errorf("call %s already exists", p.ID)
	}
	m.mu.Unlock()

	rtpPort, _, err = m.media.Allocate(p.ID)
	if err != nil {
		return 0, fmt.Errorf("allocating relay for call %s: %w", p.ID, err)
	}

	c := newCall(m, p, rtpPort)

	m.mu.Lock()
	m.calls[p.ID] = c
	m.mu.Unlock()

	c.mu.Lock()
	c.noAnswerTimer = m.timers.After(m.noAnswer, p.ID, func() {
		c.post(message{kind: msgNoAnswer})
	})
	c.haveTimer = true
	c.mu.Unlock()

	m.wg.Add(1)
	go c.run()

	c.logger.Info("call started",
		"direction", p.Direction,
		"dialed", p.Dialed,
		"rtp_port", rtpPort,
	)
	return rtpPort, nil
}

// OnCalleeResponse feeds a response on the outbound leg into the call.
func (m *Manager) OnCalleeResponse(callID string, status int, reason string, calleeRTP *net.UDPAddr) error {
	c, ok := m.get(callID)
	if !ok {
		return ErrCallNotFound
	}
	c.post(message{kind: msgCalleeResponse, status: status, reason: reason, rtpAddr: calleeRTP})
	return nil
}

// Bye reports a BYE received from one side. Duplicates are absorbed.
func (m *Manager) Bye(callID string, fromCaller bool) error {
	c, ok := m.get(callID)
	if !ok {
		return ErrCallNotFound
	}
	c.post(message{kind: msgBye, fromCaller: fromCaller})
	return nil
}

// Cancel reports a CANCEL from the caller. ErrBadState means the call
// already answered and the SIP layer should respond 481.
func (m *Manager) Cancel(callID string) error {
	return m.ask(callID, message{kind: msgCancel})
}

// End initiates ENDING from the API or shutdown path.
func (m *Manager) End(callID, reason string) error {
	c, ok := m.get(callID)
	if !ok {
		return ErrCallNotFound
	}
	c.post(message{kind: msgEnd, endReason: reason})
	return nil
}

// Hold places a connected call on hold.
func (m *Manager) Hold(callID string) error {
	return m.ask(callID, message{kind: msgHold})
}

// Resume takes a held call off hold.
func (m *Manager) Resume(callID string) error {
	return m.ask(callID, message{kind: msgResume})
}

// Transfer issues a REFER toward the caller for a blind transfer.
func (m *Manager) Transfer(callID, destination string) error {
	return m.ask(callID, message{kind: msgTransfer, target: destination})
}

// HandleMediaEvent is the sink for relay events (DTMF digits and media
// inactivity timeouts).
func (m *Manager) HandleMediaEvent(ev media.Event) {
	c, ok := m.get(ev.CallID)
	if !ok {
		return
	}
	switch ev.Kind {
	case media.EventDTMF:
		// Event durations arrive in 8 kHz RTP timestamp units.
		d := time.Duration(ev.Duration) * time.Second / 8000
		c.post(message{kind: msgDTMF, digit: ev.Digit, duration: d})
	case media.EventMediaTimeout:
		c.post(message{kind: msgMediaTimeout})
	}
}

// SetDTMFHandler attaches a per-call digit consumer (the voicemail
// IVR). Passing nil detaches.
func (m *Manager) SetDTMFHandler(callID string, fn func(digit rune, duration time.Duration)) error {
	c, ok := m.get(callID)
	if !ok {
		return ErrCallNotFound
	}
	c.mu.Lock()
	c.dtmfHandler = fn
	c.mu.Unlock()
	return nil
}

// Get returns a snapshot of one call, including recently ENDED calls
// still inside the retention window.
func (m *Manager) Get(callID string) (Info, error) {
	c, ok := m.get(callID)
	if !ok {
		return Info{}, ErrCallNotFound
	}
	return c.snapshot(), nil
}

// Enumerate returns snapshots of all known calls, ENDED ones included
// until their retention purge.
func (m *Manager) Enumerate() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.calls))
	for _, c := range m.calls {
		infos = append(infos, c.snapshot())
	}
	return infos
}

// ActiveCount counts calls not yet ended.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, c := range m.calls {
		if s := c.state(); s != StateEnded && s != StateEnding {
			n++
		}
	}
	return n
}

// Shutdown ends every active call (BYE or CANCEL as appropriate) and
// waits for the call tasks to drain, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	active := make([]*call, 0, len(m.calls))
	for _, c := range m.calls {
		active = append(active, c)
	}
	m.mu.Unlock()

	for _, c := range active {
		c.post(message{kind: msgEnd, endReason: "shutdown"})
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all calls drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown deadline exceeded with %d calls remaining", m.ActiveCount())
	}
}

// ask posts a message and waits for the task's answer.
func (m *Manager) ask(callID string, msg message) error {
	c, ok := m.get(callID)
	if !ok {
		return ErrCallNotFound
	}
	msg.reply = make(chan error, 1)
	c.post(msg)
	return <-msg.reply
}

func (m *Manager) get(callID string) (*call, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callID]
	return c, ok
}

func (m *Manager) writeCDR(info Info) {
	if m.cdr == nil {
		return
	}
	rec := CDR{
		CallID:     info.ID,
		From:       info.From,
		To:         info.To,
		Dialed:     info.Dialed,
		Direction:  info.Direction,
		Trunk:      info.Trunk,
		StartedAt:  info.CreatedAt,
		AnsweredAt: info.ConnectedAt,
		EndedAt:    info.EndedAt,
		EndReason:  info.EndReason,
		Cost:       info.EstimatedCost,
	}
	if !info.ConnectedAt.IsZero() {
		rec.BillableSeconds = int(info.EndedAt.Sub(info.ConnectedAt).Round(time.Second).Seconds())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cdr.WriteCDR(ctx, rec); err != nil {
		// CDR failures never affect call teardown.
		m.logger.Error("writing cdr", "call_id", info.ID, "error", err)
	}
}

// onCallEnded schedules the retention purge and notifies the observer.
func (m *Manager) onCallEnded(callID, reason string) {
	if m.endObserver != nil {
		if info, err := m.Get(callID); err == nil {
			m.endObserver(info)
		}
	}
	m.timers.After(m.retention, callID, func() {
		m.mu.Lock()
		delete(m.calls, callID)
		m.mu.Unlock()
	})
}
