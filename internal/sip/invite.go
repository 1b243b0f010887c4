package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/control"
	"github.com/coralpbx/coralpbx/internal/dialplan"
	"github.com/coralpbx/coralpbx/internal/media"
	"github.com/coralpbx/coralpbx/internal/registry"
	"github.com/coralpbx/coralpbx/internal/trunk"
)

// InviteHandler processes incoming INVITE requests: authenticates the
// caller, consults the dial plan and sets up the outbound leg for the
// chosen destination.
type InviteHandler struct {
	extensions *registry.Registry
	router     *dialplan.Router
	calls      *call.Manager
	trunks     *trunk.Manager
	auth       *Authenticator
	dialogs    *dialogStore
	client     *sipgo.Client
	endpoints  map[dialplan.Action]control.MediaEndpoint

	mediaIP string
	dtmfPT  int
	logger  *slog.Logger
}

// HandleInvite is the entry point for all INVITE requests.
func (h *InviteHandler) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	// An INVITE with a To tag on a known Call-ID is an in-dialog
	// re-INVITE (hold/resume or session refresh).
	if d, ok := h.dialogs.get(callID); ok && hasToTag(req) {
		h.handleReInvite(req, tx, d)
		return
	}

	h.logger.Info("invite received",
		"call_id", callID,
		"from", req.From().Address.User,
		"to", req.To().Address.User,
		"source", req.Source(),
	)

	// 100 Trying immediately to stop UAC retransmissions.
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		h.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
		return
	}

	// Inbound call from a known trunk: no digest, the source address is
	// the credential.
	if h.trunks != nil {
		if trunkName, ok := h.trunks.MatchSource(sourceHost(req)); ok {
			h.handleInboundCall(req, tx, trunkName, callID)
			return
		}
	}

	ext := h.auth.Authenticate(req, tx)
	if ext == nil {
		// Auth sent the 401 challenge or a rejection.
		return
	}

	dialed := req.Recipient.User
	decision, err := h.router.Route(ext.Number, dialed)
	if err != nil {
		switch {
		case errors.Is(err, dialplan.ErrForbidden):
			h.logger.Info("call rejected: not permitted",
				"call_id", callID, "from", ext.Number, "dialed", dialed)
			h.respondError(req, tx, 403, "Forbidden")
		case errors.Is(err, dialplan.ErrNoRoute):
			h.logger.Info("call rejected: no route",
				"call_id", callID, "from", ext.Number, "dialed", dialed)
			h.respondError(req, tx, 404, "Not Found")
		default:
			h.logger.Error("dial plan error", "call_id", callID, "error", err)
			h.respondError(req, tx, 500, "Internal Server Error")
		}
		return
	}

	h.logger.Info("invite routed",
		"call_id", callID,
		"from", ext.Number,
		"dialed", dialed,
		"action", decision.Action.String(),
	)

	switch decision.Action {
	case dialplan.ActionExtension:
		h.handleExtensionCall(req, tx, callID, ext.Number, decision.Extension, call.DirectionInternal, "")
	case dialplan.ActionVoicemail, dialplan.ActionConference, dialplan.ActionPark, dialplan.ActionPaging:
		h.handleLocalCall(req, tx, callID, ext.Number, decision)
	case dialplan.ActionTrunk:
		h.handleTrunkCall(req, tx, callID, ext, dialed, decision)
	default:
		h.respondError(req, tx, 403, "Forbidden")
	}
}

// handleInboundCall routes a trunk-originated INVITE to the dialed
// extension.
func (h *InviteHandler) handleInboundCall(req *sip.Request, tx sip.ServerTransaction, trunkName, callID string) {
	dialed := req.Recipient.User
	callerNum := ""
	if from := req.From(); from != nil {
		callerNum = from.Address.User
	}

	h.logger.Info("inbound invite from trunk",
		"call_id", callID,
		"trunk", trunkName,
		"caller", callerNum,
		"dialed", dialed,
	)

	if _, err := h.extensions.Extension(dialed); err != nil {
		h.logger.Warn("inbound invite has no matching extension",
			"call_id", callID, "trunk", trunkName, "dialed", dialed)
		h.respondError(req, tx, 404, "Not Found")
		return
	}

	h.handleExtensionCall(req, tx, callID, callerNum, dialed, call.DirectionInbound, trunkName)
}

// handleExtensionCall bridges the INVITE to a registered extension.
func (h *InviteHandler) handleExtensionCall(
	req *sip.Request,
	tx sip.ServerTransaction,
	callID, fromNum, target string,
	direction call.Direction,
	trunkName string,
) {
	contact, err := h.extensions.Lookup(target)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrUnknownExtension):
			h.respondError(req, tx, 404, "Not Found")
		case errors.Is(err, registry.ErrNotRegistered):
			h.logger.Info("callee not registered", "call_id", callID, "target", target)
			h.respondError(req, tx, 480, "Temporarily Unavailable")
		default:
			h.respondError(req, tx, 500, "Internal Server Error")
		}
		return
	}

	callerRTP, answerCodecs, ok := h.acceptOffer(req, tx, callID)
	if !ok {
		return
	}

	rtpPort, err := h.calls.StartCall(call.StartParams{
		ID:        callID,
		FromExt:   fromNum,
		ToExt:     target,
		Dialed:    target,
		Direction: direction,
		Trunk:     trunkName,
		CallerRTP: callerRTP,
	})
	if err != nil {
		h.logger.Error("failed to start call", "call_id", callID, "error", err)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	d := h.newDialog(callID, req, tx, rtpPort, answerCodecs)
	h.dialogs.add(d)

	// Offer the callee the relay port with codecs filtered for its
	// phone model.
	calleeCodecs := media.FilterCodecsForUserAgent(media.DefaultCodecs(h.dtmfPT), contact.UserAgent)
	outSDP := media.BuildAudioSDP(h.mediaIP, rtpPort, calleeCodecs, d.sessionID)

	recipient, err := contactRecipient(contact)
	if err != nil {
		h.logger.Error("bad callee contact", "call_id", callID, "contact", contact.URI, "error", err)
		h.endFailedSetup(callID)
		return
	}

	outReq := h.buildOutboundInvite(req, recipient, strings.ToUpper(contact.Transport), callID, outSDP)
	h.startCalleeLeg(d, outReq)
}

// handleTrunkCall places the outbound leg through the selected trunk.
func (h *InviteHandler) handleTrunkCall(
	req *sip.Request,
	tx sip.ServerTransaction,
	callID string,
	ext *registry.Extension,
	dialed string,
	decision *dialplan.Decision,
) {
	if h.trunks == nil {
		h.respondError(req, tx, 503, "Service Unavailable")
		return
	}

	resolveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	target, err := h.trunks.ResolveTarget(resolveCtx, decision.Trunk)
	cancel()
	if err != nil {
		h.logger.Error("failed to resolve trunk target",
			"call_id", callID, "trunk", decision.Trunk, "error", err)
		h.respondError(req, tx, 503, "Service Unavailable")
		return
	}

	callerRTP, answerCodecs, ok := h.acceptOffer(req, tx, callID)
	if !ok {
		return
	}

	rtpPort, err := h.calls.StartCall(call.StartParams{
		ID:            callID,
		FromExt:       ext.Number,
		ToExt:         dialed,
		Dialed:        dialed,
		Direction:     call.DirectionOutbound,
		Trunk:         decision.Trunk,
		CallerRTP:     callerRTP,
		EstimatedCost: decision.EstimatedCost,
	})
	if err != nil {
		h.logger.Error("failed to start call", "call_id", callID, "error", err)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	d := h.newDialog(callID, req, tx, rtpPort, answerCodecs)
	d.trunkName = decision.Trunk
	d.target = target
	h.dialogs.add(d)

	outSDP := media.BuildAudioSDP(h.mediaIP, rtpPort, media.DefaultCodecs(h.dtmfPT), d.sessionID)

	recipientStr := fmt.Sprintf("sip:%s@%s:%d", dialed, target.Host, target.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		h.logger.Error("bad trunk recipient", "call_id", callID, "uri", recipientStr, "error", err)
		h.endFailedSetup(callID)
		return
	}

	outReq := h.buildOutboundInvite(req, recipient, strings.ToUpper(target.Transport), callID, outSDP)
	h.startCalleeLeg(d, outReq)
}

// handleLocalCall answers a call routed to a PBX-hosted endpoint
// (voicemail IVR direct access, conference, park, paging).
func (h *InviteHandler) handleLocalCall(
	req *sip.Request,
	tx sip.ServerTransaction,
	callID, fromNum string,
	decision *dialplan.Decision,
) {
	ep, ok := h.endpoints[decision.Action]
	if !ok {
		h.logger.Info("no endpoint for destination",
			"call_id", callID, "action", decision.Action.String())
		h.respondError(req, tx, 480, "Temporarily Unavailable")
		return
	}

	destination := decision.Mailbox
	switch decision.Action {
	case dialplan.ActionConference:
		destination = decision.Room
	case dialplan.ActionPark:
		destination = decision.Slot
	case dialplan.ActionPaging:
		destination = decision.Zone
	}

	callerRTP, answerCodecs, ok := h.acceptOffer(req, tx, callID)
	if !ok {
		return
	}

	rtpPort, err := ep.AcceptCall(callID, fromNum, destination, callerRTP)
	if err != nil {
		h.logger.Error("endpoint refused call",
			"call_id", callID, "action", decision.Action.String(), "error", err)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	d := h.newDialog(callID, req, tx, rtpPort, answerCodecs)
	d.kind = dialogLocal
	d.endpoint = ep
	h.dialogs.add(d)

	body := media.BuildAudioSDP(h.mediaIP, rtpPort, answerCodecs, d.sessionID)
	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if to := res.To(); to != nil {
		if _, has := to.Params.Get("tag"); !has {
			to.Params.Add("tag", d.localTag)
		}
	}
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to answer local call", "call_id", callID, "error", err)
		ep.Release(callID)
		h.dialogs.remove(callID)
		return
	}

	h.logger.Info("call answered by local endpoint",
		"call_id", callID,
		"caller", fromNum,
		"destination", destination,
		"action", decision.Action.String(),
	)
}

// handleReInvite answers a hold/resume re-INVITE with the current relay
// SDP.
func (h *InviteHandler) handleReInvite(req *sip.Request, tx sip.ServerTransaction, d *dialog) {
	sess, err := media.ParseSDP(req.Body())
	if err != nil {
		h.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	if d.kind == dialogBridged {
		var opErr error
		if sess.OnHold() {
			opErr = h.calls.Hold(d.callID)
		} else {
			opErr = h.calls.Resume(d.callID)
		}
		if errors.Is(opErr, call.ErrCallNotFound) {
			h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
			return
		}
		if opErr != nil {
			h.logger.Debug("re-invite in unexpected state",
				"call_id", d.callID, "error", opErr)
		}
	}

	body := media.BuildAudioSDP(h.mediaIP, d.relayPort, d.answerCodecs, d.sessionID)
	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if to := res.To(); to != nil {
		if _, has := to.Params.Get("tag"); !has {
			to.Params.Add("tag", d.localTag)
		}
	}
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to answer re-invite", "call_id", d.callID, "error", err)
	}

	h.logger.Info("re-invite handled",
		"call_id", d.callID,
		"hold", sess.OnHold(),
	)
}

// acceptOffer parses the caller's SDP offer and negotiates the answer
// codec set. On failure the SIP error has already been sent.
func (h *InviteHandler) acceptOffer(req *sip.Request, tx sip.ServerTransaction, callID string) (*net.UDPAddr, []media.Codec, bool) {
	if len(req.Body()) == 0 {
		h.logger.Warn("invite without sdp offer", "call_id", callID)
		h.respondError(req, tx, 488, "Not Acceptable Here")
		return nil, nil, false
	}

	sess, err := media.ParseSDP(req.Body())
	if err != nil {
		h.logger.Warn("invalid sdp offer", "call_id", callID, "error", err)
		h.respondError(req, tx, 488, "Not Acceptable Here")
		return nil, nil, false
	}
	audio := sess.Audio()
	if audio == nil {
		h.respondError(req, tx, 488, "Not Acceptable Here")
		return nil, nil, false
	}

	callerRTP, err := sess.RTPAddress(audio)
	if err != nil {
		h.logger.Warn("sdp offer without usable rtp address", "call_id", callID, "error", err)
		h.respondError(req, tx, 488, "Not Acceptable Here")
		return nil, nil, false
	}

	pbx := media.Media{Codecs: media.DefaultCodecs(h.dtmfPT)}
	chosen, err := media.NegotiateCodec(audio, &pbx)
	if err != nil {
		h.logger.Warn("no common codec", "call_id", callID)
		h.respondError(req, tx, 488, "Not Acceptable Here")
		return nil, nil, false
	}

	answer := []media.Codec{*chosen}
	if pt := audio.TelephoneEventPT(); pt >= 0 {
		answer = append(answer, media.Codec{
			PayloadType: pt,
			Name:        "telephone-event",
			ClockRate:   8000,
			Fmtp:        "0-16",
		})
	}
	return callerRTP, answer, true
}

func (h *InviteHandler) newDialog(callID string, req *sip.Request, tx sip.ServerTransaction, rtpPort int, answerCodecs []media.Codec) *dialog {
	return &dialog{
		callID:        callID,
		kind:          dialogBridged,
		callerTx:      tx,
		callerReq:     req,
		callerFromTag: fromTag(req),
		localTag:      sip.GenerateTagN(16),
		relayPort:     rtpPort,
		answerCodecs:  answerCodecs,
		sessionID:     uuid.NewString(),
	}
}

// buildOutboundInvite constructs the B2BUA's INVITE for the callee leg.
// The Call-ID is preserved so both legs share one call identifier.
func (h *InviteHandler) buildOutboundInvite(callerReq *sip.Request, recipient sip.Uri, transport, callID string, sdpBody []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, recipient)
	if transport != "" {
		req.SetTransport(transport)
	}

	req.SetBody(sdpBody)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Call-ID", callID))

	cidName := ""
	cidNum := ""
	if from := callerReq.From(); from != nil {
		cidName = from.DisplayName
		cidNum = from.Address.User
	}
	from := &sip.FromHeader{
		DisplayName: cidName,
		Address: sip.Uri{
			Scheme: "sip",
			User:   cidNum,
			Host:   h.mediaIP,
		},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)

	return req
}

// startCalleeLeg sends the outbound INVITE and pumps its responses into
// the call manager.
func (h *InviteHandler) startCalleeLeg(d *dialog, outReq *sip.Request) {
	pumpCtx, cancel := context.WithCancel(context.Background())
	d.cancelPump = cancel

	tx, err := h.client.TransactionRequest(pumpCtx, outReq, sipgo.ClientRequestBuild)
	if err != nil {
		h.logger.Error("failed to send outbound invite",
			"call_id", d.callID, "error", err)
		h.endFailedSetup(d.callID)
		return
	}
	d.setCalleeLeg(tx, outReq)

	go h.pumpCalleeResponses(pumpCtx, d)
}

// pumpCalleeResponses translates the outbound leg's SIP responses into
// call manager events. It exits on the final response; a 2xx leaves the
// transaction open for the ACK.
func (h *InviteHandler) pumpCalleeResponses(ctx context.Context, d *dialog) {
	tx, req, _ := d.calleeLeg()
	authRetried := false

	for {
		select {
		case <-ctx.Done():
			return

		case <-tx.Done():
			if err := tx.Err(); err != nil && ctx.Err() == nil {
				h.logger.Warn("callee transaction failed",
					"call_id", d.callID, "error", err)
				h.reportTrunkOutcome(d, false)
				h.calls.OnCalleeResponse(d.callID, 480, "Temporarily Unavailable", nil)
			}
			return

		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if res.StatusCode == 100 {
				continue
			}

			if (res.StatusCode == 401 || res.StatusCode == 407) && d.trunkName != "" && !authRetried {
				authRetried = true
				newTx, newReq, err := h.resendInviteWithAuth(ctx, d, req, res)
				if err != nil {
					h.logger.Error("trunk invite auth failed",
						"call_id", d.callID, "trunk", d.trunkName, "error", err)
					h.calls.OnCalleeResponse(d.callID, 403, "Forbidden", nil)
					return
				}
				tx.Terminate()
				tx, req = newTx, newReq
				d.setCalleeLeg(tx, req)
				continue
			}

			var rtpAddr *net.UDPAddr
			if len(res.Body()) > 0 {
				if sess, err := media.ParseSDP(res.Body()); err == nil {
					if a := sess.Audio(); a != nil {
						if addr, err := sess.RTPAddress(a); err == nil {
							rtpAddr = addr
						}
					}
				}
			}

			if res.StatusCode >= 200 && res.StatusCode < 300 {
				// Stored before the manager sees the answer so AckCallee
				// can build the ACK.
				d.setCalleeAnswer(res)
				h.reportTrunkOutcome(d, true)
			} else if res.StatusCode >= 500 {
				h.reportTrunkOutcome(d, false)
			}

			h.calls.OnCalleeResponse(d.callID, res.StatusCode, res.Reason, rtpAddr)

			if res.StatusCode >= 200 {
				return
			}
		}
	}
}

// resendInviteWithAuth answers a 401/407 digest challenge from the trunk
// by re-sending the INVITE with credentials.
func (h *InviteHandler) resendInviteWithAuth(ctx context.Context, d *dialog, origReq *sip.Request, challengeRes *sip.Response) (sip.ClientTransaction, *sip.Request, error) {
	cfg, ok := h.trunks.Config(d.trunkName)
	if !ok {
		return nil, nil, fmt.Errorf("unknown trunk %q", d.trunkName)
	}

	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challengeRes.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challengeRes.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, nil, fmt.Errorf("trunk sent %d without %s header", challengeRes.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing trunk auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      origReq.Recipient.String(),
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("computing trunk digest: %w", err)
	}

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	authTx, err := h.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("re-sending authenticated invite: %w", err)
	}
	return authTx, authReq, nil
}

func (h *InviteHandler) reportTrunkOutcome(d *dialog, success bool) {
	if d.trunkName == "" || h.trunks == nil {
		return
	}
	h.trunks.ReportTargetOutcome(d.target, success)
}

// endFailedSetup tears down a call whose outbound leg could not even be
// sent. The manager answers the caller (CANCEL path sends 480).
func (h *InviteHandler) endFailedSetup(callID string) {
	if err := h.calls.End(callID, "setup_failed"); err != nil {
		h.logger.Debug("failed setup teardown", "call_id", callID, "error", err)
	}
}

func (h *InviteHandler) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}

// contactRecipient builds the Request-URI for a registered contact,
// preferring the registration's source address over the Contact URI host
// for NAT traversal.
func contactRecipient(contact registry.Contact) (sip.Uri, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(contact.URI, &recipient); err != nil {
		return sip.Uri{}, fmt.Errorf("parsing contact uri %q: %w", contact.URI, err)
	}
	if contact.Host != "" && contact.Port > 0 {
		recipient.Host = contact.Host
		recipient.Port = contact.Port
	}
	return recipient, nil
}

// sourceHost extracts the IP address (without port) from the request's
// source.
func sourceHost(req *sip.Request) string {
	source := req.Source()
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	return host
}

func fromTag(req *sip.Request) string {
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}

func hasToTag(req *sip.Request) bool {
	if to := req.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			return tag != ""
		}
	}
	return false
}
