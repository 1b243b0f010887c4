package sip

import (
	"log/slog"
	"os"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/coralpbx/coralpbx/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockServerTx captures responses so handlers can be driven without a
// transport. Methods beyond Respond are not expected to be called.
type mockServerTx struct {
	sip.ServerTransaction
	responses []*sip.Response
}

func (m *mockServerTx) Respond(res *sip.Response) error {
	m.responses = append(m.responses, res)
	return nil
}

func (m *mockServerTx) last(t *testing.T) *sip.Response {
	t.Helper()
	if len(m.responses) == 0 {
		t.Fatal("no response was sent")
	}
	return m.responses[len(m.responses)-1]
}

func testExtensions(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New([]registry.Extension{
		{Number: "100", Name: "Alice", Secret: "s3cret100"},
		{Number: "101", Name: "Bob", Secret: "s3cret101"},
	}, testLogger())
	t.Cleanup(reg.Close)
	return reg
}

func newRegisterRequest(t *testing.T, user, source string) *sip.Request {
	t.Helper()

	var recipient sip.Uri
	if err := sip.ParseUri("sip:coralpbx.local", &recipient); err != nil {
		t.Fatalf("parse recipient uri: %v", err)
	}
	req := sip.NewRequest(sip.REGISTER, recipient)

	var addr sip.Uri
	if err := sip.ParseUri("sip:"+user+"@coralpbx.local", &addr); err != nil {
		t.Fatalf("parse address uri: %v", err)
	}

	from := &sip.FromHeader{Address: *addr.Clone()}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: *addr.Clone()})
	callID := sip.CallIDHeader("reg-" + user + "-test")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.5",
		Port:            5060,
	})

	var contactURI sip.Uri
	if err := sip.ParseUri("sip:"+user+"@10.0.0.5:5060", &contactURI); err != nil {
		t.Fatalf("parse contact uri: %v", err)
	}
	req.AppendHeader(&sip.ContactHeader{Address: contactURI})

	req.SetTransport("UDP")
	req.SetSource(source)
	return req
}

// authorize answers the challenge in the given 401 response and attaches
// the resulting Authorization header to the request.
func authorize(t *testing.T, req *sip.Request, challenge *sip.Response, password string) {
	t.Helper()

	wwwAuth := challenge.GetHeader("WWW-Authenticate")
	if wwwAuth == nil {
		t.Fatal("challenge response has no WWW-Authenticate header")
	}
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		t.Fatalf("parse challenge: %v", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: req.From().Address.User,
		Password: password,
	})
	if err != nil {
		t.Fatalf("compute digest: %v", err)
	}
	req.AppendHeader(sip.NewHeader("Authorization", cred.String()))
}

func TestAuthenticateChallengesWithoutCredentials(t *testing.T) {
	a := NewAuthenticator("coralpbx", testExtensions(t), testLogger())

	req := newRegisterRequest(t, "100", "10.0.0.5:5060")
	tx := &mockServerTx{}

	if ext := a.Authenticate(req, tx); ext != nil {
		t.Fatalf("expected nil extension, got %v", ext.Number)
	}

	res := tx.last(t)
	if res.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	if res.GetHeader("WWW-Authenticate") == nil {
		t.Error("401 response missing WWW-Authenticate header")
	}
}

func TestAuthenticateDigestRoundTrip(t *testing.T) {
	a := NewAuthenticator("coralpbx", testExtensions(t), testLogger())

	req := newRegisterRequest(t, "100", "10.0.0.5:5060")
	tx := &mockServerTx{}

	a.Authenticate(req, tx)
	authorize(t, req, tx.last(t), "s3cret100")

	ext := a.Authenticate(req, tx)
	if ext == nil {
		t.Fatal("expected successful authentication")
	}
	if ext.Number != "100" {
		t.Errorf("authenticated extension = %s, want 100", ext.Number)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	a := NewAuthenticator("coralpbx", testExtensions(t), testLogger())

	req := newRegisterRequest(t, "100", "10.0.0.5:5060")
	tx := &mockServerTx{}

	a.Authenticate(req, tx)
	authorize(t, req, tx.last(t), "wrong-password")

	if ext := a.Authenticate(req, tx); ext != nil {
		t.Fatalf("expected auth failure, got extension %s", ext.Number)
	}

	// A bad digest gets a fresh challenge, not a hard reject.
	res := tx.last(t)
	if res.StatusCode != 401 {
		t.Errorf("status = %d, want 401 re-challenge", res.StatusCode)
	}
}

func TestAuthenticateUnknownUsername(t *testing.T) {
	a := NewAuthenticator("coralpbx", testExtensions(t), testLogger())

	req := newRegisterRequest(t, "999", "10.0.0.5:5060")
	tx := &mockServerTx{}

	a.Authenticate(req, tx)
	authorize(t, req, tx.last(t), "whatever")

	if ext := a.Authenticate(req, tx); ext != nil {
		t.Fatalf("expected auth failure, got extension %s", ext.Number)
	}
	if res := tx.last(t); res.StatusCode != 403 {
		t.Errorf("status = %d, want 403", res.StatusCode)
	}
}

func TestAuthenticateRejectsUnknownNonce(t *testing.T) {
	a := NewAuthenticator("coralpbx", testExtensions(t), testLogger())

	req := newRegisterRequest(t, "100", "10.0.0.5:5060")
	tx := &mockServerTx{}

	// Credentials computed against a nonce the server never issued.
	chal := &digest.Challenge{Realm: "coralpbx", Nonce: "forged-nonce", Algorithm: "MD5"}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   "REGISTER",
		URI:      req.Recipient.String(),
		Username: "100",
		Password: "s3cret100",
	})
	if err != nil {
		t.Fatalf("compute digest: %v", err)
	}
	req.AppendHeader(sip.NewHeader("Authorization", cred.String()))

	if ext := a.Authenticate(req, tx); ext != nil {
		t.Fatal("expected rejection of unknown nonce")
	}
	if res := tx.last(t); res.StatusCode != 401 {
		t.Errorf("status = %d, want 401 re-challenge", res.StatusCode)
	}
}

func TestAuthenticateNonceConsumedAfterUse(t *testing.T) {
	a := NewAuthenticator("coralpbx", testExtensions(t), testLogger())

	req := newRegisterRequest(t, "100", "10.0.0.5:5060")
	tx := &mockServerTx{}

	a.Authenticate(req, tx)
	authorize(t, req, tx.last(t), "s3cret100")

	if ext := a.Authenticate(req, tx); ext == nil {
		t.Fatal("first authentication should succeed")
	}

	// Replaying the same Authorization header must not succeed.
	if ext := a.Authenticate(req, tx); ext != nil {
		t.Fatal("replayed credentials should be rejected")
	}
	if res := tx.last(t); res.StatusCode != 401 {
		t.Errorf("status = %d, want 401 re-challenge", res.StatusCode)
	}
}

func TestAuthenticateBlockedSource(t *testing.T) {
	a := NewAuthenticator("coralpbx", testExtensions(t), testLogger())

	source := "203.0.113.7:5060"
	for i := 0; i < maxFailedAttempts; i++ {
		a.guard.RecordFailure(source)
	}

	req := newRegisterRequest(t, "100", source)
	tx := &mockServerTx{}

	if ext := a.Authenticate(req, tx); ext != nil {
		t.Fatal("blocked source should not authenticate")
	}
	if res := tx.last(t); res.StatusCode != 403 {
		t.Errorf("status = %d, want 403", res.StatusCode)
	}
}
