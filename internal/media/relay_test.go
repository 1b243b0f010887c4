package media

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

// testPhone is a loopback UDP endpoint standing in for a SIP phone's
// RTP socket.
type testPhone struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func newTestPhone(t *testing.T) *testPhone {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("binding test phone: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testPhone{conn: conn, addr: conn.LocalAddr().(*net.UDPAddr)}
}

func (p *testPhone) sendRTP(t *testing.T, dst int, pt uint8, seq uint16, payload []byte) {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      8000,
			SSRC:           0xDECAFBAD,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.conn.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: dst}); err != nil {
		t.Fatal(err)
	}
}

func (p *testPhone) receive(t *testing.T, timeout time.Duration) ([]byte, bool) {
	t.Helper()
	buf := make([]byte, maxRTPPacket)
	p.conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func newTestRelays(t *testing.T, start, end int, events func(Event)) *Relays {
	t.Helper()
	pool, err := NewPortPool(start, end)
	if err != nil {
		t.Fatal(err)
	}
	if events == nil {
		events = func(Event) {}
	}
	r := NewRelays(pool, 101, events, slog.Default())
	t.Cleanup(r.Close)
	return r
}

func TestRelayForwardsBothDirections(t *testing.T) {
	r := newTestRelays(t, 42000, 42007, nil)
	caller := newTestPhone(t)
	callee := newTestPhone(t)

	rtpPort, rtcpPort, err := r.Allocate("call-1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if rtcpPort != rtpPort+1 {
		t.Errorf("rtcp port = %d, want %d", rtcpPort, rtpPort+1)
	}
	if err := r.SetEndpoints("call-1", caller.addr, callee.addr); err != nil {
		t.Fatal(err)
	}

	caller.sendRTP(t, rtpPort, PayloadPCMU, 1, []byte("from-caller"))
	data, ok := callee.receive(t, time.Second)
	if !ok {
		t.Fatal("callee received nothing")
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		t.Fatalf("forwarded packet not rtp: %v", err)
	}
	if string(pkt.Payload) != "from-caller" {
		t.Errorf("payload = %q, want verbatim forward", pkt.Payload)
	}

	callee.sendRTP(t, rtpPort, PayloadPCMU, 1, []byte("from-callee"))
	data, ok = caller.receive(t, time.Second)
	if !ok {
		t.Fatal("caller received nothing")
	}
	if err := pkt.Unmarshal(data); err != nil {
		t.Fatal(err)
	}
	if string(pkt.Payload) != "from-callee" {
		t.Errorf("payload = %q, want from-callee", pkt.Payload)
	}
}

func TestRelayBuffersEarlyMedia(t *testing.T) {
	r := newTestRelays(t, 42010, 42013, nil)
	caller := newTestPhone(t)
	callee := newTestPhone(t)

	rtpPort, _, err := r.Allocate("call-early")
	if err != nil {
		t.Fatal(err)
	}

	// Early media arrives before endpoints are known.
	callee.sendRTP(t, rtpPort, PayloadPCMU, 7, []byte("ringback"))
	time.Sleep(100 * time.Millisecond)

	if err := r.SetEndpoints("call-early", caller.addr, callee.addr); err != nil {
		t.Fatal(err)
	}

	data, ok := caller.receive(t, time.Second)
	if !ok {
		t.Fatal("buffered early media was not flushed to caller")
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		t.Fatal(err)
	}
	if string(pkt.Payload) != "ringback" {
		t.Errorf("payload = %q, want ringback", pkt.Payload)
	}
}

func TestRelayDivertsDTMFAndForwards(t *testing.T) {
	events := make(chan Event, 8)
	r := newTestRelays(t, 42020, 42023, func(ev Event) { events <- ev })
	caller := newTestPhone(t)
	callee := newTestPhone(t)

	rtpPort, _, err := r.Allocate("call-dtmf")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetEndpoints("call-dtmf", caller.addr, callee.addr); err != nil {
		t.Fatal(err)
	}

	// Digit "5": start, continuation, three retransmitted ends.
	caller.sendRTP(t, rtpPort, 101, 10, DTMFEvent{Code: 5, Duration: 160}.Pack())
	caller.sendRTP(t, rtpPort, 101, 11, DTMFEvent{Code: 5, Duration: 320}.Pack())
	for i := uint16(0); i < 3; i++ {
		caller.sendRTP(t, rtpPort, 101, 12+i, DTMFEvent{Code: 5, End: true, Duration: 1280}.Pack())
	}

	select {
	case ev := <-events:
		if ev.Kind != EventDTMF || ev.Digit != '5' || ev.Duration != 1280 {
			t.Errorf("event = %+v, want dtmf 5/1280", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no dtmf event delivered")
	}

	select {
	case ev := <-events:
		t.Fatalf("duplicate event delivered: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}

	// Telephone-event packets are also forwarded verbatim.
	received := 0
	for {
		if _, ok := callee.receive(t, 300*time.Millisecond); !ok {
			break
		}
		received++
	}
	if received != 5 {
		t.Errorf("callee received %d dtmf packets, want all 5", received)
	}
}

func TestRelayHoldSuspendsForwarding(t *testing.T) {
	r := newTestRelays(t, 42030, 42033, nil)
	caller := newTestPhone(t)
	callee := newTestPhone(t)

	rtpPort, _, err := r.Allocate("call-hold")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetEndpoints("call-hold", caller.addr, callee.addr); err != nil {
		t.Fatal(err)
	}
	if err := r.SetHold("call-hold", true); err != nil {
		t.Fatal(err)
	}

	caller.sendRTP(t, rtpPort, PayloadPCMU, 1, []byte("held"))
	if _, ok := callee.receive(t, 300*time.Millisecond); ok {
		t.Fatal("packet forwarded while on hold")
	}

	if err := r.SetHold("call-hold", false); err != nil {
		t.Fatal(err)
	}
	caller.sendRTP(t, rtpPort, PayloadPCMU, 2, []byte("resumed"))
	if _, ok := callee.receive(t, time.Second); !ok {
		t.Fatal("forwarding did not resume")
	}
}

type capturedPayloads struct {
	ch chan []byte
}

func (c *capturedPayloads) WritePayload(pt uint8, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case c.ch <- cp:
	default:
	}
}

func TestRelayRecorderTee(t *testing.T) {
	r := newTestRelays(t, 42040, 42043, nil)
	caller := newTestPhone(t)
	callee := newTestPhone(t)

	rtpPort, _, err := r.Allocate("call-rec")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetEndpoints("call-rec", caller.addr, callee.addr); err != nil {
		t.Fatal(err)
	}

	sink := &capturedPayloads{ch: make(chan []byte, 4)}
	if err := r.AttachRecorder("call-rec", sink); err != nil {
		t.Fatal(err)
	}

	caller.sendRTP(t, rtpPort, PayloadPCMU, 1, []byte("audio"))

	select {
	case payload := <-sink.ch:
		if string(payload) != "audio" {
			t.Errorf("recorded %q, want audio", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("recorder sink received nothing")
	}

	// The tee must not disturb the relay.
	if _, ok := callee.receive(t, time.Second); !ok {
		t.Fatal("recorded packet was not forwarded")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := newTestRelays(t, 42050, 42053, nil)
	if _, _, err := r.Allocate("call-x"); err != nil {
		t.Fatal(err)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", r.ActiveCount())
	}
	r.Release("call-x")
	r.Release("call-x")
	r.Release("never-existed")
	if r.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0", r.ActiveCount())
	}
}

func TestSendDTMFReachesCallee(t *testing.T) {
	r := newTestRelays(t, 42060, 42063, nil)
	caller := newTestPhone(t)
	callee := newTestPhone(t)

	if _, _, err := r.Allocate("call-info"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetEndpoints("call-info", caller.addr, callee.addr); err != nil {
		t.Fatal(err)
	}

	if err := r.SendDTMF("call-info", '7', 40*time.Millisecond); err != nil {
		t.Fatalf("SendDTMF: %v", err)
	}

	var sawEnd bool
	for {
		data, ok := callee.receive(t, 500*time.Millisecond)
		if !ok {
			break
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(data); err != nil {
			t.Fatal(err)
		}
		ev, err := ParseDTMFEvent(pkt.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Digit() != '7' {
			t.Errorf("digit = %c, want 7", ev.Digit())
		}
		if ev.End {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Error("no end packet in dtmf train")
	}
}
