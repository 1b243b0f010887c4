package sip

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/call"
)

// The Server is the call manager's Signaler: it owns the SIP
// transactions and dialog state, the manager owns the call lifecycle.
var _ call.Signaler = (*Server)(nil)

// RespondCaller sends a response on the caller's original INVITE
// transaction. withSDP attaches an answer SDP pointing at the call's
// relay port.
func (s *Server) RespondCaller(callID string, status int, reason string, withSDP bool) error {
	d, ok := s.dialogs.get(callID)
	if !ok {
		return call.ErrCallNotFound
	}

	var body []byte
	if withSDP {
		body = s.answerSDP(d)
	}
	res := sip.NewResponseFromRequest(d.callerReq, status, reason, body)
	if body != nil {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	// Final responses carry our To tag so the caller can address
	// in-dialog requests, and so our later BYE matches the dialog.
	if status >= 200 {
		if to := res.To(); to != nil {
			if _, has := to.Params.Get("tag"); !has {
				to.Params.Add("tag", d.localTag)
			}
		}
	}

	if err := d.callerTx.Respond(res); err != nil {
		return fmt.Errorf("responding %d to caller: %w", status, err)
	}
	return nil
}

// AckCallee confirms the callee's 2xx. Per RFC 3261 §13.2.2.4 the ACK
// for a 2xx is generated by the UAC core and sent directly via the
// transport, not through the INVITE transaction.
func (s *Server) AckCallee(callID string) error {
	d, ok := s.dialogs.get(callID)
	if !ok {
		return call.ErrCallNotFound
	}
	_, req, res := d.calleeLeg()
	if req == nil || res == nil {
		return fmt.Errorf("call %s: no answered callee leg to ack", callID)
	}

	ack := buildACKFor2xx(req, res)
	if err := s.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("sending ack to callee: %w", err)
	}
	return nil
}

// CancelCallee aborts the pending outbound INVITE.
func (s *Server) CancelCallee(callID string) error {
	d, ok := s.dialogs.get(callID)
	if !ok {
		return call.ErrCallNotFound
	}
	_, req, _ := d.calleeLeg()
	if req == nil {
		return nil
	}

	tx, err := s.client.TransactionRequest(context.Background(), cancelForPendingInvite(req), sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending cancel to callee: %w", err)
	}
	tx.Terminate()
	return nil
}

// cancelForPendingInvite builds the CANCEL for an unanswered outbound
// INVITE. RFC 3261 §9.1 requires the CANCEL to reuse the INVITE's top
// Via branch, From, To, Call-ID and CSeq number; without them the
// callee cannot match the pending transaction, answers 481 and keeps
// ringing.
func cancelForPendingInvite(inviteReq *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, inviteReq.Recipient)
	cancel.SipVersion = inviteReq.SipVersion

	if via := inviteReq.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", inviteReq, cancel)
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	if h := inviteReq.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}

	cancel.SetTransport(inviteReq.Transport())
	cancel.SetSource(inviteReq.Source())
	return cancel
}

// ByeCaller hangs up the caller leg with an in-dialog BYE.
func (s *Server) ByeCaller(callID string) error {
	d, ok := s.dialogs.get(callID)
	if !ok {
		return call.ErrCallNotFound
	}
	bye := d.buildCallerRequest(sip.BYE)
	return s.sendInDialog(bye, "bye to caller")
}

// ByeCallee hangs up the callee leg with an in-dialog BYE.
func (s *Server) ByeCallee(callID string) error {
	d, ok := s.dialogs.get(callID)
	if !ok {
		return call.ErrCallNotFound
	}
	_, req, res := d.calleeLeg()
	if req == nil || res == nil {
		return fmt.Errorf("call %s: no answered callee leg", callID)
	}
	bye := buildCalleeRequest(sip.BYE, req, res)
	return s.sendInDialog(bye, "bye to callee")
}

// Refer asks the caller's phone to call the new destination (blind
// transfer). The phone reports progress back with NOTIFY/sipfrag.
func (s *Server) Refer(callID string, destination string) error {
	d, ok := s.dialogs.get(callID)
	if !ok {
		return call.ErrCallNotFound
	}

	refer := d.buildCallerRequest(sip.REFER)
	referTo := fmt.Sprintf("<sip:%s@%s>", destination, s.mediaIP)
	refer.AppendHeader(sip.NewHeader("Refer-To", referTo))
	refer.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("<sip:coralpbx@%s>", s.mediaIP)))

	return s.sendInDialog(refer, "refer to caller")
}

// sendInDialog fires an in-dialog request and drains its transaction in
// the background; the final response only matters for logging.
func (s *Server) sendInDialog(req *sip.Request, what string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	tx, err := s.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		cancel()
		return fmt.Errorf("sending %s: %w", what, err)
	}

	go func() {
		defer cancel()
		defer tx.Terminate()
		select {
		case <-ctx.Done():
		case <-tx.Done():
		case res := <-tx.Responses():
			if res != nil && res.StatusCode >= 300 {
				s.logger.Debug("in-dialog request rejected",
					"what", what,
					"status", res.StatusCode,
				)
			}
		}
	}()
	return nil
}

// buildCallerRequest constructs an in-dialog request toward the caller.
// The PBX was the UAS of the caller's INVITE, so From/To are the
// INVITE's To/From with our local tag on the From side.
func (d *dialog) buildCallerRequest(method sip.RequestMethod) *sip.Request {
	recipient := &d.callerReq.Recipient
	if contact := d.callerReq.Contact(); contact != nil && !contact.Address.Wildcard {
		recipient = &contact.Address
	}

	req := sip.NewRequest(method, *recipient.Clone())
	req.SipVersion = d.callerReq.SipVersion

	if to := d.callerReq.To(); to != nil {
		from := &sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     *to.Address.Clone(),
		}
		from.Params.Add("tag", d.localTag)
		req.AppendHeader(from)
	}
	if fh := d.callerReq.From(); fh != nil {
		to := &sip.ToHeader{
			DisplayName: fh.DisplayName,
			Address:     *fh.Address.Clone(),
			Params:      fh.Params.Clone(),
		}
		req.AppendHeader(to)
	}
	if h := d.callerReq.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	cseq := &sip.CSeqHeader{SeqNo: d.nextCallerCSeq(), MethodName: method}
	req.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetTransport(d.callerReq.Transport())
	// Route the request back the way the INVITE came in; the phone may
	// be behind NAT.
	req.SetDestination(d.callerReq.Source())
	return req
}

// buildCalleeRequest constructs an in-dialog request toward the callee,
// reusing the dialog identity of the outbound INVITE and its 2xx.
func buildCalleeRequest(method sip.RequestMethod, inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	req := sip.NewRequest(method, *recipient.Clone())
	req.SipVersion = inviteReq.SipVersion

	if h := inviteReq.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	// To from the response, remote tag included.
	if h := inviteRes.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
		cseq.MethodName = method
	}

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetTransport(inviteReq.Transport())
	return req
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. The
// Request-URI comes from the Contact in the response when present,
// otherwise from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// CSeq: same sequence number, method changed to ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}
