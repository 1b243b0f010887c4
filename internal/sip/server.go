// Package sip terminates SIP signaling: it authenticates and registers
// extensions, classifies and bridges INVITEs as a B2BUA, and translates
// transaction events into call manager messages. sipgo owns the wire
// codec and transaction layer; this package is the transaction user.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/config"
	"github.com/coralpbx/coralpbx/internal/control"
	"github.com/coralpbx/coralpbx/internal/dialplan"
	"github.com/coralpbx/coralpbx/internal/media"
	"github.com/coralpbx/coralpbx/internal/registry"
	"github.com/coralpbx/coralpbx/internal/trunk"
)

// Server wraps the sipgo stack with the PBX handlers.
type Server struct {
	cfg     *config.Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	auth    *Authenticator
	reg     *Registrar
	invites *InviteHandler
	dialogs *dialogStore
	calls   *call.Manager

	mediaIP string
	dtmfPT  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewServer creates a SIP server with all handlers registered. The
// UserAgent is shared with the trunk manager; trunks may be nil when no
// trunks are configured.
func NewServer(
	ua *sipgo.UserAgent,
	cfg *config.Config,
	extensions *registry.Registry,
	router *dialplan.Router,
	calls *call.Manager,
	trunks *trunk.Manager,
	logger *slog.Logger,
) (*Server, error) {
	logger = logger.With("component", "sip")

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating sip server: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	auth := NewAuthenticator(cfg.Security.SIPRealm, extensions, logger)
	dialogs := newDialogStore(logger)

	s := &Server{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		auth:    auth,
		reg:     NewRegistrar(extensions, auth, logger),
		dialogs: dialogs,
		calls:   calls,
		mediaIP: cfg.MediaIP(),
		dtmfPT:  cfg.Features.DTMF.PayloadType,
		logger:  logger,
	}
	s.invites = &InviteHandler{
		extensions: extensions,
		router:     router,
		calls:      calls,
		trunks:     trunks,
		auth:       auth,
		dialogs:    dialogs,
		client:     client,
		endpoints:  make(map[dialplan.Action]control.MediaEndpoint),
		mediaIP:    s.mediaIP,
		dtmfPT:     s.dtmfPT,
		logger:     logger.With("subsystem", "invite"),
	}

	s.registerHandlers()
	return s, nil
}

// RegisterEndpoint attaches a PBX-hosted media endpoint to a dial plan
// action (voicemail IVR on ActionVoicemail, and so on). Must be called
// before Start.
func (s *Server) RegisterEndpoint(action dialplan.Action, ep control.MediaEndpoint) {
	s.invites.endpoints[action] = ep
}

// BruteForceGuard exposes the auth guard for admin visibility.
func (s *Server) BruteForceGuard() *BruteForceGuard {
	return s.auth.BruteForceGuard()
}

// ActiveDialogs returns the number of tracked SIP dialogs.
func (s *Server) ActiveDialogs() int {
	return s.dialogs.count()
}

// OnCallEnded drops the SIP dialog state for an ended call. Wired to
// the call manager's end observer.
func (s *Server) OnCallEnded(info call.Info) {
	s.dialogs.remove(info.ID)
}

func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.invites.HandleInvite)
	s.srv.OnRegister(s.reg.HandleRegister)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnInfo(s.handleInfo)
	s.srv.OnRefer(s.handleRefer)
	s.srv.OnNotify(s.handleNotify)
}

// Start begins listening on the configured transports. It returns once
// the listeners are launched; errors after startup are logged.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.SIPHost, s.cfg.Server.SIPPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "tcp", addr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reg.RunNonceCleanup(ctx)
	}()

	return nil
}

// Stop shuts down all SIP listeners and waits for the goroutines.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.logger.Info("sip server stopped")
}

// answerSDP builds the answer body pointing the caller at the call's
// relay port.
func (s *Server) answerSDP(d *dialog) []byte {
	codecs := d.answerCodecs
	if len(codecs) == 0 {
		codecs = media.DefaultCodecs(s.dtmfPT)
	}
	return media.BuildAudioSDP(s.mediaIP, d.relayPort, codecs, d.sessionID)
}

// handleACK absorbs the caller's ACK for our 2xx. ACK for a 2xx is not
// transactional; receipt confirms the caller leg.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	s.logger.Debug("sip ack received",
		"call_id", callID,
		"source", req.Source(),
	)
}

// handleBye tears down an established call from either side.
func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	d, ok := s.dialogs.get(callID)
	if !ok {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	s.respond(req, tx, 200, "OK")

	if d.kind == dialogLocal {
		d.endpoint.Release(callID)
		s.dialogs.remove(callID)
		s.logger.Info("local call ended by caller", "call_id", callID)
		return
	}

	fromCaller := fromTag(req) == d.callerFromTag
	if err := s.calls.Bye(callID, fromCaller); err != nil {
		s.logger.Debug("bye for unknown call", "call_id", callID, "error", err)
	}
}

// handleCancel aborts a pending INVITE. A CANCEL arriving after the
// call was answered gets 481 and the call stays connected.
func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	err := s.calls.Cancel(callID)
	switch {
	case err == nil:
		// The call manager answers the INVITE with 487.
		s.respond(req, tx, 200, "OK")
	default:
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
	}
}

// handleOptions answers keepalive pings from trunks and phones.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, INFO, REFER, NOTIFY"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo parses SIP INFO DTMF, the fallback for endpoints that do
// not send RFC 2833 telephone-event.
func (s *Server) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	ct := req.ContentType()
	if ct == nil {
		s.respond(req, tx, 200, "OK")
		return
	}

	digit, duration, err := media.ParseSIPInfoDTMF(ct.Value(), req.Body())
	if err != nil {
		s.logger.Debug("sip info with unsupported content",
			"content_type", ct.Value(),
			"call_id", callID,
		)
		s.respond(req, tx, 200, "OK")
		return
	}

	s.logger.Info("sip info dtmf received",
		"digit", string(digit),
		"duration", duration,
		"call_id", callID,
	)

	if d, ok := s.dialogs.get(callID); ok && d.kind == dialogLocal {
		d.endpoint.ReceiveDTMF(callID, digit, duration)
	} else {
		s.calls.HandleMediaEvent(media.Event{
			CallID: callID,
			Kind:   media.EventDTMF,
			Digit:  digit,
			// Duration in 8 kHz timestamp units, matching RFC 2833 events.
			Duration: uint16(duration.Milliseconds() * 8),
		})
	}

	s.respond(req, tx, 200, "OK")
}

// handleRefer accepts a blind transfer request from a phone. The
// handshake is acknowledged with 202 and a sipfrag NOTIFY; the
// transferring phone ends its leg with BYE once it sees progress.
func (s *Server) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	d, ok := s.dialogs.get(callID)
	if !ok {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	referTo := req.GetHeader("Refer-To")
	if referTo == nil {
		s.respond(req, tx, 400, "Bad Request")
		return
	}

	s.respond(req, tx, 202, "Accepted")
	s.logger.Info("refer accepted",
		"call_id", callID,
		"refer_to", referTo.Value(),
	)

	// Report initial progress to the referring party.
	if fromTag(req) == d.callerFromTag {
		notify := d.buildCallerRequest(sip.NOTIFY)
		notify.AppendHeader(sip.NewHeader("Event", "refer"))
		notify.AppendHeader(sip.NewHeader("Subscription-State", "active;expires=60"))
		notify.AppendHeader(sip.NewHeader("Content-Type", "message/sipfrag"))
		notify.SetBody([]byte("SIP/2.0 100 Trying\r\n"))
		if err := s.sendInDialog(notify, "refer notify"); err != nil {
			s.logger.Error("failed to send refer notify", "call_id", callID, "error", err)
		}
	}
}

// handleNotify consumes sipfrag transfer progress from a phone we sent
// REFER to. A 200 frag means the transfer target answered; the original
// call is then ended.
func (s *Server) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	s.respond(req, tx, 200, "OK")

	body := strings.TrimSpace(string(req.Body()))
	if body == "" {
		return
	}

	s.logger.Debug("sip notify received", "call_id", callID, "frag", body)

	if strings.HasPrefix(body, "SIP/2.0 200") {
		if err := s.calls.End(callID, "transferred"); err != nil {
			s.logger.Debug("notify for unknown call", "call_id", callID, "error", err)
		}
	}
}

func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send response",
			"code", code,
			"error", err,
		)
	}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
