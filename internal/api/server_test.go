package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/config"
	"github.com/coralpbx/coralpbx/internal/control"
	"github.com/coralpbx/coralpbx/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeControl implements control.AdminControl for handler tests.
type fakeControl struct {
	calls       map[string]call.Info
	ended       []string
	transferred map[string]string
	exportErr   error
}

func newFakeControl() *fakeControl {
	return &fakeControl{
		calls: map[string]call.Info{
			"call-1": {ID: "call-1", From: "100", To: "101", State: call.StateConnected},
		},
		transferred: map[string]string{},
	}
}

func (f *fakeControl) ListCalls() []call.Info {
	out := make([]call.Info, 0, len(f.calls))
	for _, info := range f.calls {
		out = append(out, info)
	}
	return out
}

func (f *fakeControl) GetCall(callID string) (call.Info, error) {
	info, ok := f.calls[callID]
	if !ok {
		return call.Info{}, call.ErrCallNotFound
	}
	return info, nil
}

func (f *fakeControl) EndCall(callID string) error {
	if _, ok := f.calls[callID]; !ok {
		return call.ErrCallNotFound
	}
	f.ended = append(f.ended, callID)
	return nil
}

func (f *fakeControl) TransferCall(callID, destination string) error {
	if _, ok := f.calls[callID]; !ok {
		return call.ErrCallNotFound
	}
	f.transferred[callID] = destination
	return nil
}

func (f *fakeControl) Hold(callID string) error {
	if _, ok := f.calls[callID]; !ok {
		return call.ErrCallNotFound
	}
	return nil
}

func (f *fakeControl) Resume(callID string) error {
	info, ok := f.calls[callID]
	if !ok {
		return call.ErrCallNotFound
	}
	if info.State != call.StateOnHold {
		return fmt.Errorf("resume %s: %w", callID, call.ErrBadState)
	}
	return nil
}

func (f *fakeControl) AllocateSyntheticRelay(string) (int, error)           { return 40000, nil }
func (f *fakeControl) InjectEndpoint(string, *net.UDPAddr, *net.UDPAddr) error { return nil }
func (f *fakeControl) ReleaseRelay(string)                                  {}

func (f *fakeControl) ListExtensions() []registry.ExtensionStatus {
	return []registry.ExtensionStatus{{Number: "100", Name: "Alice"}}
}

func (f *fakeControl) Status() control.Status {
	return control.Status{Running: true, ActiveCalls: len(f.calls)}
}

func (f *fakeControl) ExportPhoneBook(context.Context) (int, error) {
	if f.exportErr != nil {
		return 0, f.exportErr
	}
	return 2, nil
}

func newTestServer(t *testing.T, ctrl control.AdminControl) *Server {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("pbx-admin-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{}
	cfg.Security.AdminUsername = "admin"
	cfg.Security.AdminPasswordHash = string(hash)
	cfg.Security.JWTSecret = "test-jwt-secret"
	cfg.Security.TokenTTL = 3600
	cfg.API.Enabled = true
	cfg.API.ListenAddr = "127.0.0.1:0"

	srv := NewServer(cfg, ctrl, nil, testLogger())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.50:34567"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, srv *Server) string {
	t.Helper()

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": "admin", "password": "pbx-admin-pass"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data loginResponse `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Token == "" {
		t.Fatal("login returned an empty token")
	}
	return resp.Data.Token
}

func TestHealthUnauthenticated(t *testing.T) {
	srv := newTestServer(t, newFakeControl())

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestLoginAndTokenRoundTrip(t *testing.T) {
	srv := newTestServer(t, newFakeControl())
	token := login(t, srv)

	claims, err := verifyToken([]byte("test-jwt-secret"), token)
	if err != nil {
		t.Fatalf("verifyToken: %v", err)
	}
	if claims.Username != "admin" {
		t.Errorf("claims.Username = %q, want admin", claims.Username)
	}
	if time.Until(claims.ExpiresAt.Time) > time.Hour {
		t.Error("token TTL exceeds the configured 3600 seconds")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv := newTestServer(t, newFakeControl())

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "admin", "nope"},
		{"wrong username", "root", "pbx-admin-pass"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodPost, "/api/v1/auth/login", "",
				map[string]string{"username": tc.username, "password": tc.password})
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, newFakeControl())

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/status", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", rec.Code)
	}

	other, _, err := generateToken([]byte("different-secret"), "admin", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/status", other, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("foreign token: status = %d, want 401", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, newFakeControl())
	token := login(t, srv)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/status", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data control.Status `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Data.Running || resp.Data.ActiveCalls != 1 {
		t.Errorf("unexpected status payload: %+v", resp.Data)
	}
}

func TestGetCall(t *testing.T) {
	srv := newTestServer(t, newFakeControl())
	token := login(t, srv)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/calls/call-1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Data call.Info `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.From != "100" || resp.Data.To != "101" {
		t.Errorf("unexpected call payload: %+v", resp.Data)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/calls/missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown call: status = %d, want 404", rec.Code)
	}
}

func TestEndCall(t *testing.T) {
	ctrl := newFakeControl()
	srv := newTestServer(t, ctrl)
	token := login(t, srv)

	rec := doRequest(t, srv, http.MethodDelete, "/api/v1/calls/call-1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(ctrl.ended) != 1 || ctrl.ended[0] != "call-1" {
		t.Errorf("ended = %v, want [call-1]", ctrl.ended)
	}
}

func TestTransferCall(t *testing.T) {
	ctrl := newFakeControl()
	srv := newTestServer(t, ctrl)
	token := login(t, srv)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/calls/call-1/transfer", token,
		map[string]string{"destination": "102"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ctrl.transferred["call-1"] != "102" {
		t.Errorf("transferred = %v", ctrl.transferred)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/calls/call-1/transfer", token,
		map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty destination: status = %d, want 400", rec.Code)
	}
}

func TestResumeBadStateMapsToConflict(t *testing.T) {
	srv := newTestServer(t, newFakeControl())
	token := login(t, srv)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/calls/call-1/resume", token, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestListExtensions(t *testing.T) {
	srv := newTestServer(t, newFakeControl())
	token := login(t, srv)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/extensions", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Data []registry.ExtensionStatus `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Number != "100" {
		t.Errorf("unexpected extensions payload: %+v", resp.Data)
	}
}

func TestExportPhoneBook(t *testing.T) {
	srv := newTestServer(t, newFakeControl())
	token := login(t, srv)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/phonebook/export", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	ctrl := newFakeControl()
	ctrl.exportErr = errors.New("db down")
	srv = newTestServer(t, ctrl)
	token = login(t, srv)
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/phonebook/export", token, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("export failure: status = %d, want 500", rec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	srv := newTestServer(t, newFakeControl())

	body := map[string]string{"username": "admin", "password": "nope"}
	limited := false
	for i := 0; i < 30; i++ {
		rec := doRequest(t, srv, http.MethodPost, "/api/v1/auth/login", "", body)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			if got := rec.Header().Get("Retry-After"); got != "1" {
				t.Errorf("Retry-After = %q, want 1", got)
			}
			break
		}
	}
	if !limited {
		t.Error("login endpoint never rate limited a burst of 30 requests")
	}
}

func TestIPRateLimiterIsolatesClients(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            rate.Limit(1),
		Burst:           2,
		CleanupInterval: time.Minute,
		MaxAge:          time.Minute,
	})
	t.Cleanup(rl.Stop)

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("third immediate request should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("a different IP must not share the limit")
	}
}
