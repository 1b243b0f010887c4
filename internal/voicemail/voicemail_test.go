package voicemail

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/config"
	"github.com/coralpbx/coralpbx/internal/database"
	"github.com/coralpbx/coralpbx/internal/media"
	"github.com/coralpbx/coralpbx/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRelays struct {
	mu        sync.Mutex
	sink      media.RecorderSink
	allocated bool
	released  bool
	detached  bool
}

func (f *fakeRelays) Allocate(string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocated = true
	return 40000, 40001, nil
}

func (f *fakeRelays) SetEndpoints(string, *net.UDPAddr, *net.UDPAddr) error { return nil }

func (f *fakeRelays) AttachRecorder(_ string, sink media.RecorderSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	return nil
}

func (f *fakeRelays) DetachRecorder(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
}

func (f *fakeRelays) Release(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}

func (f *fakeRelays) recorder() media.RecorderSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink
}

type fakeCalls struct {
	state string
	dtmf  func(digit rune, duration time.Duration)
}

func (f *fakeCalls) Get(callID string) (call.Info, error) {
	if f.state == "" {
		return call.Info{}, call.ErrCallNotFound
	}
	return call.Info{ID: callID, State: f.state}, nil
}

func (f *fakeCalls) SetDTMFHandler(_ string, fn func(digit rune, duration time.Duration)) error {
	f.dtmf = fn
	return nil
}

func newTestService(t *testing.T, relays RelayControl, calls CallControl, store database.Store) *Service {
	t.Helper()

	reg := registry.New([]registry.Extension{
		{Number: "100", Name: "Alice", Secret: "x"},
	}, testLogger())
	t.Cleanup(reg.Close)

	cfg := config.VoicemailConfig{
		NoAnswerTimeout:   30,
		StoragePath:       t.TempDir(),
		MaxMessageSeconds: 60,
		AnswerMode:        "answer",
	}

	svc, err := New(cfg, relays, reg, calls, store, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

// feedAudio pushes one second of PCMU frames into the recorder sink.
func feedAudio(t *testing.T, sink media.RecorderSink) {
	t.Helper()
	if sink == nil {
		t.Fatal("no recorder was attached")
	}
	frame := make([]byte, 160)
	for i := 0; i < 50; i++ {
		sink.WritePayload(media.PayloadPCMU, frame)
		// Keep the recorder's channel from overflowing.
		if i%16 == 15 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	time.Sleep(50 * time.Millisecond)
}

func TestOnNoAnswerRejectModeRecordsNothing(t *testing.T) {
	relays := &fakeRelays{}
	svc := newTestService(t, relays, &fakeCalls{state: call.StateRinging}, nil)

	svc.OnNoAnswer("call-1", "101", "100", false)

	if svc.ActiveSessions() != 0 {
		t.Error("reject mode should not start a session")
	}
	if relays.recorder() != nil {
		t.Error("reject mode should not attach a recorder")
	}
}

func TestOnNoAnswerAbortsWhenCallAlreadyEnded(t *testing.T) {
	relays := &fakeRelays{}
	svc := newTestService(t, relays, &fakeCalls{state: call.StateEnded}, nil)

	svc.OnNoAnswer("call-2", "101", "100", true)

	if svc.ActiveSessions() != 0 {
		t.Error("ended call should not get a voicemail session")
	}
	if relays.recorder() != nil {
		t.Error("ended call should not get a recorder attached")
	}
}

func TestOnNoAnswerRecordsDivertedCall(t *testing.T) {
	relays := &fakeRelays{}
	calls := &fakeCalls{state: call.StateConnected}
	svc := newTestService(t, relays, calls, nil)

	svc.OnNoAnswer("call-3", "101", "100", true)

	if svc.ActiveSessions() != 1 {
		t.Fatal("expected an active voicemail session")
	}
	if calls.dtmf == nil {
		t.Error("session should install a dtmf handler")
	}

	feedAudio(t, relays.recorder())
	svc.OnCallEnded(call.Info{ID: "call-3"})

	if svc.ActiveSessions() != 0 {
		t.Error("session should end with the call")
	}
	if !relays.detached {
		t.Error("recorder should be detached on finish")
	}
	if relays.released {
		t.Error("divert sessions must not release the call's relay slot")
	}

	files, err := filepath.Glob(filepath.Join(svc.cfg.StoragePath, "100_*.wav"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one recording file, got %v (%v)", files, err)
	}
}

func TestHashDigitEndsDivertedSession(t *testing.T) {
	relays := &fakeRelays{}
	calls := &fakeCalls{state: call.StateConnected}
	svc := newTestService(t, relays, calls, nil)

	svc.OnNoAnswer("call-4", "101", "100", true)
	if calls.dtmf == nil {
		t.Fatal("no dtmf handler installed")
	}

	calls.dtmf('5', 100*time.Millisecond)
	if svc.ActiveSessions() != 1 {
		t.Error("ordinary digits should not end the session")
	}

	calls.dtmf('#', 100*time.Millisecond)
	if svc.ActiveSessions() != 0 {
		t.Error("'#' should end the session")
	}
}

func TestDirectAccessUnknownMailbox(t *testing.T) {
	relays := &fakeRelays{}
	svc := newTestService(t, relays, &fakeCalls{}, nil)

	if _, err := svc.AcceptCall("call-5", "100", "999", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 4000}); err == nil {
		t.Fatal("expected error for unknown mailbox")
	}
	if relays.released != relays.allocated {
		t.Error("an allocated slot must be released on failure")
	}
}

func TestDirectAccessRecordsAndReleasesSlot(t *testing.T) {
	relays := &fakeRelays{}
	svc := newTestService(t, relays, &fakeCalls{}, nil)

	port, err := svc.AcceptCall("call-6", "101", "100", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 4000})
	if err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if port != 40000 {
		t.Errorf("port = %d, want the allocated 40000", port)
	}

	feedAudio(t, relays.recorder())
	svc.ReceiveDTMF("call-6", '#', 100*time.Millisecond)

	if svc.ActiveSessions() != 0 {
		t.Error("'#' should finish the direct access session")
	}
	if !relays.released {
		t.Error("direct access sessions own their slot and must release it")
	}
}

func TestEmptyRecordingIsDiscarded(t *testing.T) {
	relays := &fakeRelays{}
	svc := newTestService(t, relays, &fakeCalls{}, nil)

	if _, err := svc.AcceptCall("call-7", "101", "100", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 4000}); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	svc.Release("call-7")

	files, err := filepath.Glob(filepath.Join(svc.cfg.StoragePath, "*.wav"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("silent recording should be deleted, found %v", files)
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	relays := &fakeRelays{}
	svc := newTestService(t, relays, &fakeCalls{}, nil)

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 4000}
	if _, err := svc.AcceptCall("call-8", "101", "100", addr); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if _, err := svc.AcceptCall("call-8", "101", "100", addr); err == nil {
		t.Fatal("second session for the same call should fail")
	}
}
