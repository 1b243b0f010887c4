package sip

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

// newInviteLeg builds an outbound INVITE and a matching 200 OK the way a
// remote party would answer it.
func newInviteLeg(t *testing.T) (*sip.Request, *sip.Response) {
	t.Helper()

	var recipient sip.Uri
	if err := sip.ParseUri("sip:101@10.0.0.6:5060", &recipient); err != nil {
		t.Fatalf("parse recipient: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, recipient)

	var fromURI sip.Uri
	if err := sip.ParseUri("sip:100@192.0.2.1", &fromURI); err != nil {
		t.Fatalf("parse from uri: %v", err)
	}
	from := &sip.FromHeader{DisplayName: "Alice", Address: fromURI}
	from.Params.Add("tag", "from-tag-1")
	req.AppendHeader(from)

	var toURI sip.Uri
	if err := sip.ParseUri("sip:101@192.0.2.1", &toURI); err != nil {
		t.Fatalf("parse to uri: %v", err)
	}
	req.AppendHeader(&sip.ToHeader{Address: toURI})

	callID := sip.CallIDHeader("leg-test-call")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	req.SetTransport("UDP")
	req.SetSource("192.0.2.1:5060")

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if to := res.To(); to != nil {
		to.Params.Add("tag", "remote-tag-9")
	}
	var contactURI sip.Uri
	if err := sip.ParseUri("sip:101@10.0.0.6:5078", &contactURI); err != nil {
		t.Fatalf("parse contact uri: %v", err)
	}
	res.AppendHeader(&sip.ContactHeader{Address: contactURI})

	return req, res
}

func TestCancelForPendingInvite(t *testing.T) {
	req, _ := newInviteLeg(t)
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "192.0.2.7",
		Port:            5060,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", "z9hG4bK-pending-1")
	req.AppendHeader(via)

	cancel := cancelForPendingInvite(req)

	if cancel.Method != sip.CANCEL {
		t.Errorf("method = %s, want CANCEL", cancel.Method)
	}
	if cancel.Recipient.String() != req.Recipient.String() {
		t.Errorf("recipient = %s, want the invite request URI %s", cancel.Recipient.String(), req.Recipient.String())
	}

	// The callee matches the CANCEL to the pending INVITE by its top
	// Via branch, From tag, To, Call-ID and CSeq number; all must be
	// carried over unchanged.
	cVia := cancel.Via()
	if cVia == nil {
		t.Fatal("cancel missing Via")
	}
	if branch, _ := cVia.Params.Get("branch"); branch != "z9hG4bK-pending-1" {
		t.Errorf("Via branch = %q, want the invite branch", branch)
	}

	from := cancel.From()
	if from == nil {
		t.Fatal("cancel missing From")
	}
	if tag, _ := from.Params.Get("tag"); tag != "from-tag-1" {
		t.Errorf("From tag = %q, want the invite From tag", tag)
	}
	if cancel.To() == nil || cancel.To().Address.User != "101" {
		t.Error("cancel To should come from the invite")
	}
	if cid := cancel.CallID(); cid == nil || cid.Value() != "leg-test-call" {
		t.Error("cancel should reuse the invite Call-ID")
	}

	cseq := cancel.CSeq()
	if cseq == nil {
		t.Fatal("cancel missing CSeq")
	}
	if cseq.SeqNo != 7 {
		t.Errorf("cseq = %d, want 7 (same as invite)", cseq.SeqNo)
	}
	if cseq.MethodName != sip.CANCEL {
		t.Errorf("cseq method = %s, want CANCEL", cseq.MethodName)
	}

	// The pending INVITE itself stays untouched.
	if inviteCSeq := req.CSeq(); inviteCSeq.MethodName != sip.INVITE || inviteCSeq.SeqNo != 7 {
		t.Errorf("invite cseq mutated: %d %s", inviteCSeq.SeqNo, inviteCSeq.MethodName)
	}
}

func TestBuildACKFor2xx(t *testing.T) {
	req, res := newInviteLeg(t)

	ack := buildACKFor2xx(req, res)

	if ack.Method != sip.ACK {
		t.Errorf("method = %s, want ACK", ack.Method)
	}
	// Request-URI follows the Contact in the answer.
	if ack.Recipient.Host != "10.0.0.6" || ack.Recipient.Port != 5078 {
		t.Errorf("recipient = %s:%d, want 10.0.0.6:5078", ack.Recipient.Host, ack.Recipient.Port)
	}

	cseq := ack.CSeq()
	if cseq == nil {
		t.Fatal("ack missing CSeq")
	}
	if cseq.SeqNo != 7 {
		t.Errorf("cseq = %d, want 7 (same as invite)", cseq.SeqNo)
	}
	if cseq.MethodName != sip.ACK {
		t.Errorf("cseq method = %s, want ACK", cseq.MethodName)
	}

	if ack.From() == nil || ack.From().Address.User != "100" {
		t.Error("ack From should come from the invite")
	}
	to := ack.To()
	if to == nil {
		t.Fatal("ack missing To")
	}
	if tag, _ := to.Params.Get("tag"); tag != "remote-tag-9" {
		t.Errorf("ack To tag = %q, want remote-tag-9", tag)
	}
	if cid := ack.CallID(); cid == nil || cid.Value() != "leg-test-call" {
		t.Error("ack should reuse the invite Call-ID")
	}
}

func TestBuildCalleeRequest(t *testing.T) {
	req, res := newInviteLeg(t)

	bye := buildCalleeRequest(sip.BYE, req, res)

	if bye.Method != sip.BYE {
		t.Errorf("method = %s, want BYE", bye.Method)
	}
	if bye.Recipient.Port != 5078 {
		t.Errorf("recipient port = %d, want contact port 5078", bye.Recipient.Port)
	}

	cseq := bye.CSeq()
	if cseq == nil {
		t.Fatal("bye missing CSeq")
	}
	if cseq.SeqNo != 8 {
		t.Errorf("cseq = %d, want 8 (invite + 1)", cseq.SeqNo)
	}
	if cseq.MethodName != sip.BYE {
		t.Errorf("cseq method = %s, want BYE", cseq.MethodName)
	}

	to := bye.To()
	if to == nil {
		t.Fatal("bye missing To")
	}
	if tag, _ := to.Params.Get("tag"); tag != "remote-tag-9" {
		t.Errorf("bye To tag = %q, want remote tag from answer", tag)
	}
}

func TestBuildCallerRequest(t *testing.T) {
	// The caller's INVITE as the PBX received it.
	req := newRegisterRequest(t, "100", "192.0.2.1:5060")
	req.Method = sip.INVITE
	if cseq := req.CSeq(); cseq != nil {
		cseq.MethodName = sip.INVITE
	}

	d := &dialog{
		callID:    "caller-req-test",
		callerReq: req,
		localTag:  "pbx-tag-4",
	}

	bye := d.buildCallerRequest(sip.BYE)

	if bye.Method != sip.BYE {
		t.Errorf("method = %s, want BYE", bye.Method)
	}

	// The PBX was the UAS, so From/To swap relative to the INVITE.
	from := bye.From()
	if from == nil {
		t.Fatal("bye missing From")
	}
	if tag, _ := from.Params.Get("tag"); tag != "pbx-tag-4" {
		t.Errorf("From tag = %q, want local tag", tag)
	}

	to := bye.To()
	if to == nil {
		t.Fatal("bye missing To")
	}
	wantTag := fromTag(req)
	if wantTag == "" {
		t.Fatal("test invite should carry a From tag")
	}
	if tag, _ := to.Params.Get("tag"); tag != wantTag {
		t.Errorf("To tag = %q, want caller's From tag %q", tag, wantTag)
	}

	// The request routes back to where the INVITE came from.
	if bye.Destination() != "192.0.2.1:5060" {
		t.Errorf("destination = %q, want caller source", bye.Destination())
	}

	// CSeq counts up per in-dialog request.
	first := bye.CSeq().SeqNo
	second := d.buildCallerRequest(sip.BYE).CSeq().SeqNo
	if second != first+1 {
		t.Errorf("cseq did not increment: %d then %d", first, second)
	}
}

func TestDialogStore(t *testing.T) {
	ds := newDialogStore(testLogger())

	if _, ok := ds.get("missing"); ok {
		t.Fatal("empty store should not return a dialog")
	}
	if ds.count() != 0 {
		t.Fatalf("count = %d, want 0", ds.count())
	}

	d := &dialog{callID: "abc"}
	ds.add(d)

	got, ok := ds.get("abc")
	if !ok || got != d {
		t.Fatal("stored dialog should be retrievable")
	}
	if ds.count() != 1 {
		t.Fatalf("count = %d, want 1", ds.count())
	}

	ds.remove("abc")
	if _, ok := ds.get("abc"); ok {
		t.Fatal("removed dialog should be gone")
	}

	// Removing twice is harmless.
	ds.remove("abc")
	ds.remove("never-existed")
}
