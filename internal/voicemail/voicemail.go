// Package voicemail records caller audio for unanswered calls and for
// direct mailbox access. Audio arrives through the call's RTP relay
// slot as G.711, is decoded to PCM and written as a WAV file; message
// metadata goes to the database when persistence is enabled.
package voicemail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/config"
	"github.com/coralpbx/coralpbx/internal/database"
	"github.com/coralpbx/coralpbx/internal/media"
	"github.com/coralpbx/coralpbx/internal/registry"
)

const metadataWriteTimeout = 5 * time.Second

// CallControl is the slice of the call manager the voicemail service
// uses: state checks before starting a session and DTMF routing for
// diverted calls. Satisfied by *call.Manager.
type CallControl interface {
	Get(callID string) (call.Info, error)
	SetDTMFHandler(callID string, fn func(digit rune, duration time.Duration)) error
}

// RelayControl is the slice of the RTP relay manager the voicemail
// service uses. Satisfied by *media.Relays.
type RelayControl interface {
	Allocate(callID string) (rtpPort, rtcpPort int, err error)
	SetEndpoints(callID string, caller, callee *net.UDPAddr) error
	AttachRecorder(callID string, sink media.RecorderSink) error
	DetachRecorder(callID string)
	Release(callID string)
}

// session is one active recording.
type session struct {
	callID   string
	mailbox  string
	caller   string
	filePath string
	recorder *media.WAVRecorder
	// synthetic marks sessions on a dedicated relay slot (direct mailbox
	// access); the service owns that slot and releases it on finish.
	// Diverted calls keep their slot owned by the call manager.
	synthetic bool
	maxTimer  *time.Timer
}

// Service runs voicemail sessions. It is both the call manager's
// no-answer divert handler and a dial-plan media endpoint for direct
// *NNN mailbox access.
type Service struct {
	cfg        config.VoicemailConfig
	relays     RelayControl
	extensions *registry.Registry
	calls      CallControl
	store      database.Store
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates the voicemail service and ensures the storage directory
// exists. store may be nil; recordings are then kept on disk without
// metadata rows.
func New(cfg config.VoicemailConfig, relays RelayControl, extensions *registry.Registry, calls CallControl, store database.Store, logger *slog.Logger) (*Service, error) {
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating voicemail storage dir: %w", err)
	}
	return &Service{
		cfg:        cfg,
		relays:     relays,
		extensions: extensions,
		calls:      calls,
		store:      store,
		logger:     logger.With("component", "voicemail"),
		sessions:   make(map[string]*session),
	}, nil
}

// OnNoAnswer handles the call manager's no-answer divert. In answer
// mode the caller leg was answered with 200 OK and its audio already
// flows to the call's relay slot, so the recorder tees off that slot.
// In reject mode the caller got 486 and nothing is recorded.
func (s *Service) OnNoAnswer(callID, fromExt, mailbox string, answered bool) {
	if !answered {
		s.logger.Info("call diverted to voicemail without recording",
			"call_id", callID,
			"mailbox", mailbox,
			"caller", fromExt,
		)
		return
	}

	// The caller may hang up in the instant between the divert decision
	// and the session setup. Abort quietly in that case.
	info, err := s.calls.Get(callID)
	if err != nil || info.State == call.StateEnding || info.State == call.StateEnded {
		s.logger.Debug("diverted call ended before voicemail session",
			"call_id", callID,
			"mailbox", mailbox,
		)
		return
	}

	sess, err := s.startSession(callID, mailbox, fromExt, false)
	if err != nil {
		s.logger.Error("failed to start voicemail session",
			"call_id", callID,
			"mailbox", mailbox,
			"error", err,
		)
		return
	}

	if err := s.calls.SetDTMFHandler(callID, func(digit rune, _ time.Duration) {
		if digit == '#' {
			s.finish(callID, "terminated by caller")
		}
	}); err != nil {
		s.logger.Debug("could not attach dtmf handler", "call_id", callID, "error", err)
	}

	s.logger.Info("voicemail session started",
		"call_id", callID,
		"mailbox", sess.mailbox,
		"caller", sess.caller,
		"file", sess.filePath,
	)
}

// AcceptCall answers a direct mailbox access call (dial plan *NNN). It
// allocates a dedicated relay slot for the leg and returns its RTP port
// for the SDP answer.
func (s *Service) AcceptCall(callID, caller, destination string, callerRTP *net.UDPAddr) (int, error) {
	if _, err := s.extensions.Extension(destination); err != nil {
		return 0, fmt.Errorf("mailbox %s: %w", destination, err)
	}

	rtpPort, _, err := s.relays.Allocate(callID)
	if err != nil {
		return 0, fmt.Errorf("allocating voicemail relay: %w", err)
	}
	// Only the caller leg exists; the slot records instead of bridging.
	if err := s.relays.SetEndpoints(callID, callerRTP, nil); err != nil {
		s.relays.Release(callID)
		return 0, fmt.Errorf("binding voicemail relay: %w", err)
	}

	sess, err := s.startSession(callID, destination, caller, true)
	if err != nil {
		s.relays.Release(callID)
		return 0, err
	}

	s.logger.Info("voicemail direct access started",
		"call_id", callID,
		"mailbox", sess.mailbox,
		"caller", caller,
		"rtp_port", rtpPort,
	)
	return rtpPort, nil
}

// ReceiveDTMF ends the message on '#', matching the divert behavior.
func (s *Service) ReceiveDTMF(callID string, digit rune, _ time.Duration) {
	if digit == '#' {
		s.finish(callID, "terminated by caller")
	}
}

// Release finalizes the session when the SIP side tears the leg down.
func (s *Service) Release(callID string) {
	s.finish(callID, "caller hung up")
}

// OnCallEnded finalizes a divert session when its call ends. Wired into
// the call manager's end observer chain.
func (s *Service) OnCallEnded(info call.Info) {
	s.finish(info.ID, "call ended")
}

// startSession creates the recorder, attaches it to the call's relay
// slot and arms the max-duration timer.
func (s *Service) startSession(callID, mailbox, caller string, synthetic bool) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[callID]; exists {
		return nil, errors.New("voicemail session already active for call")
	}

	filePath := filepath.Join(s.cfg.StoragePath,
		fmt.Sprintf("%s_%s.wav", mailbox, uuid.NewString()))

	rec, err := media.NewWAVRecorder(filePath, s.logger)
	if err != nil {
		return nil, err
	}
	if err := s.relays.AttachRecorder(callID, rec); err != nil {
		rec.Stop()
		os.Remove(filePath)
		return nil, fmt.Errorf("attaching recorder: %w", err)
	}

	sess := &session{
		callID:    callID,
		mailbox:   mailbox,
		caller:    caller,
		filePath:  filePath,
		recorder:  rec,
		synthetic: synthetic,
	}
	sess.maxTimer = time.AfterFunc(time.Duration(s.cfg.MaxMessageSeconds)*time.Second, func() {
		s.finish(callID, "max message duration")
	})

	s.sessions[callID] = sess
	return sess, nil
}

// finish stops the recording, saves metadata and releases resources.
// Safe to call from multiple paths; only the first caller acts.
func (s *Service) finish(callID, reason string) {
	s.mu.Lock()
	sess, ok := s.sessions[callID]
	if ok {
		delete(s.sessions, callID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.maxTimer.Stop()
	s.relays.DetachRecorder(callID)
	if sess.synthetic {
		s.relays.Release(callID)
	}

	seconds, err := sess.recorder.Stop()
	if err != nil {
		s.logger.Error("failed to finalize recording",
			"call_id", callID,
			"file", sess.filePath,
			"error", err,
		)
		return
	}

	if seconds == 0 {
		// Nothing usable arrived; don't keep empty files around.
		os.Remove(sess.filePath)
		s.logger.Info("voicemail session ended without audio",
			"call_id", callID,
			"mailbox", sess.mailbox,
			"reason", reason,
		)
		return
	}

	s.logger.Info("voicemail message recorded",
		"call_id", callID,
		"mailbox", sess.mailbox,
		"caller", sess.caller,
		"duration_secs", seconds,
		"reason", reason,
		"file", sess.filePath,
	)

	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metadataWriteTimeout)
	defer cancel()
	msg := &database.VoicemailMessage{
		Mailbox:         sess.mailbox,
		Caller:          sess.caller,
		FilePath:        sess.filePath,
		DurationSeconds: seconds,
		ReceivedAt:      time.Now(),
	}
	if err := s.store.SaveVoicemail(ctx, msg); err != nil {
		s.logger.Error("failed to save voicemail metadata",
			"call_id", callID,
			"mailbox", sess.mailbox,
			"error", err,
		)
	}
}

// ActiveSessions returns the number of recordings in progress.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
