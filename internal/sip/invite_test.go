package sip

import (
	"fmt"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/registry"
)

func TestFromTag(t *testing.T) {
	req := newRegisterRequest(t, "100", "10.0.0.5:5060")
	if tag := fromTag(req); tag == "" {
		t.Error("request with tagged From should yield a tag")
	}

	var uri sip.Uri
	if err := sip.ParseUri("sip:pbx.local", &uri); err != nil {
		t.Fatal(err)
	}
	bare := sip.NewRequest(sip.INVITE, uri)
	if tag := fromTag(bare); tag != "" {
		t.Errorf("request without From should yield empty tag, got %q", tag)
	}
}

func TestHasToTag(t *testing.T) {
	req := newRegisterRequest(t, "100", "10.0.0.5:5060")
	if hasToTag(req) {
		t.Error("initial request should have no To tag")
	}

	if to := req.To(); to != nil {
		to.Params.Add("tag", "established")
	}
	if !hasToTag(req) {
		t.Error("tagged To should be detected")
	}
}

func TestSourceHost(t *testing.T) {
	req := newRegisterRequest(t, "100", "203.0.113.9:5080")
	if got := sourceHost(req); got != "203.0.113.9" {
		t.Errorf("sourceHost() = %q, want 203.0.113.9", got)
	}

	req.SetSource("203.0.113.9")
	if got := sourceHost(req); got != "203.0.113.9" {
		t.Errorf("sourceHost() without port = %q, want 203.0.113.9", got)
	}
}

func TestContactRecipient(t *testing.T) {
	// The registered source address overrides the Contact URI host, since
	// the phone may advertise a private address from behind NAT.
	contact := registry.Contact{
		URI:  "sip:100@192.168.1.23:5060",
		Host: "203.0.113.40",
		Port: 5062,
	}
	uri, err := contactRecipient(contact)
	if err != nil {
		t.Fatalf("contactRecipient: %v", err)
	}
	if uri.User != "100" {
		t.Errorf("user = %q, want 100", uri.User)
	}
	if uri.Host != "203.0.113.40" || uri.Port != 5062 {
		t.Errorf("address = %s:%d, want 203.0.113.40:5062", uri.Host, uri.Port)
	}

	// Without a recorded source the Contact URI is used as-is.
	uri, err = contactRecipient(registry.Contact{URI: "sip:100@192.168.1.23:5060"})
	if err != nil {
		t.Fatalf("contactRecipient: %v", err)
	}
	if uri.Host != "192.168.1.23" {
		t.Errorf("host = %q, want contact host", uri.Host)
	}

	if _, err := contactRecipient(registry.Contact{URI: "not a uri"}); err == nil {
		t.Error("expected error for malformed contact uri")
	}
}

func newInviteWithSDP(t *testing.T, body string) *sip.Request {
	t.Helper()
	req := newRegisterRequest(t, "100", "192.0.2.10:5060")
	req.Method = sip.INVITE
	if cseq := req.CSeq(); cseq != nil {
		cseq.MethodName = sip.INVITE
	}
	if body != "" {
		req.SetBody([]byte(body))
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return req
}

const testOfferSDP = "v=0\r\n" +
	"o=- 12345 12345 IN IP4 192.0.2.10\r\n" +
	"s=call\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-16\r\n"

func TestAcceptOffer(t *testing.T) {
	h := &InviteHandler{dtmfPT: 101, logger: testLogger()}

	req := newInviteWithSDP(t, testOfferSDP)
	tx := &mockServerTx{}

	addr, codecs, ok := h.acceptOffer(req, tx, "offer-test")
	if !ok {
		t.Fatal("valid offer should be accepted")
	}
	if addr.IP.String() != "192.0.2.10" || addr.Port != 4000 {
		t.Errorf("caller rtp = %v, want 192.0.2.10:4000", addr)
	}

	if len(codecs) == 0 || codecs[0].Name != "PCMU" {
		t.Fatalf("answer codecs = %v, want PCMU first", codecs)
	}
	var dtmf bool
	for _, c := range codecs {
		if strings.EqualFold(c.Name, "telephone-event") {
			dtmf = true
			if c.PayloadType != 101 {
				t.Errorf("telephone-event pt = %d, want the offered 101", c.PayloadType)
			}
		}
	}
	if !dtmf {
		t.Error("answer should echo the offered telephone-event codec")
	}
}

func TestAcceptOfferRejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "no body", body: ""},
		{name: "garbage body", body: "this is not sdp"},
		{
			name: "no common codec",
			body: "v=0\r\n" +
				"o=- 1 1 IN IP4 192.0.2.10\r\n" +
				"s=call\r\n" +
				"c=IN IP4 192.0.2.10\r\n" +
				"t=0 0\r\n" +
				"m=audio 4000 RTP/AVP 111\r\n" +
				"a=rtpmap:111 opus/48000\r\n",
		},
		{
			name: "video only",
			body: "v=0\r\n" +
				"o=- 1 1 IN IP4 192.0.2.10\r\n" +
				"s=call\r\n" +
				"c=IN IP4 192.0.2.10\r\n" +
				"t=0 0\r\n" +
				"m=video 4002 RTP/AVP 96\r\n",
		},
	}

	h := &InviteHandler{dtmfPT: 101, logger: testLogger()}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newInviteWithSDP(t, tt.body)
			tx := &mockServerTx{}

			if _, _, ok := h.acceptOffer(req, tx, "reject-test"); ok {
				t.Fatal("offer should have been rejected")
			}
			if res := tx.last(t); res.StatusCode != 488 {
				t.Errorf("status = %d, want 488", res.StatusCode)
			}
		})
	}
}

func TestDialogSessionIDsUnique(t *testing.T) {
	h := &InviteHandler{}
	req, _ := newInviteLeg(t)

	// Session IDs feed the SDP o= line; two calls set up back to back
	// in the same instant must not collide.
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		d := h.newDialog(fmt.Sprintf("unique-sid-%d", i), req, nil, 10000, nil)
		if d.sessionID == "" {
			t.Fatal("dialog without session id")
		}
		if _, dup := seen[d.sessionID]; dup {
			t.Fatalf("session id %q issued twice", d.sessionID)
		}
		seen[d.sessionID] = struct{}{}
	}
}
