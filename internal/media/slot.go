package media

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// readDeadline keeps the forwarder loops responsive to shutdown.
	readDeadline = 100 * time.Millisecond

	// preEndpointBuffer bounds packets held before endpoints are known.
	// Early media from the callee can precede the caller-side 200 OK
	// exchange, so the first packets of a call are buffered, not lost.
	preEndpointBuffer = 32

	// inactivityTimeout is how long both directions may stay silent on
	// a connected call before a media_timeout event fires.
	inactivityTimeout = 30 * time.Second

	maxRTPPacket = 1500
)

// RecorderSink receives caller-side audio payloads without disturbing
// the relay. Implementations must not block.
type RecorderSink interface {
	WritePayload(payloadType uint8, payload []byte)
}

// EventKind classifies relay events delivered to the call manager.
type EventKind int

const (
	EventDTMF EventKind = iota
	EventMediaTimeout
)

// Event is a relay slot notification.
type Event struct {
	CallID   string
	Kind     EventKind
	Digit    rune
	Duration uint16
}

// endpoints is the atomically swapped pair of remote RTP addresses.
// Both parties send to the slot's single local port; direction is
// resolved by source address.
type endpoints struct {
	caller *net.UDPAddr
	callee *net.UDPAddr
}

type recorderBox struct {
	sink RecorderSink
}

// Slot relays RTP between the two legs of one call through a single
// even local port (RTCP on port+1). It owns its sockets and two reader
// goroutines; all shared fields are atomics so control operations never
// block the forwarding path.
type Slot struct {
	callID   string
	port     int
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	logger   *slog.Logger
	events   func(Event)

	eps      atomic.Pointer[endpoints]
	hold     atomic.Bool
	recorder atomic.Pointer[recorderBox]
	dtmfPT   uint8

	lastCaller atomic.Int64 // unix nano
	lastCallee atomic.Int64
	timedOut   atomic.Bool

	mu      sync.Mutex
	pending []bufferedPacket

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type bufferedPacket struct {
	data []byte
	src  *net.UDPAddr
}

func newSlot(callID string, port int, dtmfPT uint8, events func(Event), logger *slog.Logger) (*Slot, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port + 1})
	if err != nil {
		rtpConn.Close()
		return nil, err
	}

	s := &Slot{
		callID:   callID,
		port:     port,
		rtpConn:  rtpConn,
		rtcpConn: rtcpConn,
		dtmfPT:   dtmfPT,
		events:   events,
		logger:   logger.With("subsystem", "relay", "call_id", callID, "port", port),
		stopCh:   make(chan struct{}),
	}

	s.wg.Add(3)
	go s.rtpLoop()
	go s.rtcpLoop()
	go s.watchdog()
	return s, nil
}

// Port returns the slot's RTP port.
func (s *Slot) Port() int { return s.port }

// SetEndpoints publishes both remote RTP addresses atomically and
// flushes any packets buffered while the endpoints were unknown.
func (s *Slot) SetEndpoints(caller, callee *net.UDPAddr) {
	now := time.Now().UnixNano()
	s.lastCaller.Store(now)
	s.lastCallee.Store(now)
	s.eps.Store(&endpoints{caller: caller, callee: callee})

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, p := range pending {
		s.forward(p.data, p.src)
	}
}

// SetHold suspends (true) or resumes (false) forwarding. Sockets stay
// bound and endpoints stay memorized while held.
func (s *Slot) SetHold(hold bool) {
	s.hold.Store(hold)
	if !hold {
		now := time.Now().UnixNano()
		s.lastCaller.Store(now)
		s.lastCallee.Store(now)
	}
}

// AttachRecorder tees caller-side payloads to sink.
func (s *Slot) AttachRecorder(sink RecorderSink) {
	s.recorder.Store(&recorderBox{sink: sink})
}

// DetachRecorder stops the tee.
func (s *Slot) DetachRecorder() {
	s.recorder.Store(nil)
}

// SendDTMF emits an RFC 2833 digit train toward the callee. Used when a
// leg signals DTMF via SIP INFO and the other leg negotiated 2833.
func (s *Slot) SendDTMF(digit rune, duration time.Duration) error {
	eps := s.eps.Load()
	if eps == nil || eps.callee == nil {
		return errors.New("callee endpoint not set")
	}
	sender := NewDTMFSender(&slotWriter{conn: s.rtpConn, dst: eps.callee}, s.dtmfPT)
	return sender.SendDigit(digit, duration)
}

type slotWriter struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
}

func (w *slotWriter) WriteRTP(p *rtp.Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = w.conn.WriteToUDP(data, w.dst)
	return err
}

func (s *Slot) close() {
	close(s.stopCh)
	s.rtpConn.Close()
	s.rtcpConn.Close()
	s.wg.Wait()
}

func (s *Slot) rtpLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxRTPPacket)
	dtmf := NewDTMFReceiver(s.dtmfPT, func(digit rune, duration uint16) {
		s.events(Event{CallID: s.callID, Kind: EventDTMF, Digit: digit, Duration: duration})
	})

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.rtpConn.SetReadDeadline(time.Now().Add(readDeadline))
		n, src, err := s.rtpConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug("rtp read error", "error", err)
				continue
			}
		}

		pkt := buf[:n]

		var hdr rtp.Header
		hdrLen, err := hdr.Unmarshal(pkt)
		if err != nil {
			continue
		}

		// Telephone-event packets feed the 2833 receiver and are still
		// forwarded verbatim.
		if hdr.PayloadType == s.dtmfPT {
			dtmf.Process(&hdr, pkt[hdrLen:])
		}

		eps := s.eps.Load()
		if eps == nil {
			s.bufferPacket(pkt, src)
			continue
		}

		if sameAddr(src, eps.caller) {
			s.lastCaller.Store(time.Now().UnixNano())
			if box := s.recorder.Load(); box != nil && box.sink != nil {
				box.sink.WritePayload(hdr.PayloadType, pkt[hdrLen:])
			}
		} else if sameAddr(src, eps.callee) {
			s.lastCallee.Store(time.Now().UnixNano())
		}

		s.forward(pkt, src)
	}
}

// forward sends a packet to the opposite leg based on its source
// address. Packets from unknown sources are dropped.
func (s *Slot) forward(pkt []byte, src *net.UDPAddr) {
	if s.hold.Load() {
		return
	}
	eps := s.eps.Load()
	if eps == nil {
		return
	}

	var dst *net.UDPAddr
	switch {
	case sameAddr(src, eps.caller):
		dst = eps.callee
	case sameAddr(src, eps.callee):
		dst = eps.caller
	default:
		s.logger.Debug("rtp from unknown source", "src", src)
		return
	}
	if dst == nil {
		return
	}
	if _, err := s.rtpConn.WriteToUDP(pkt, dst); err != nil {
		s.logger.Debug("rtp forward error", "dst", dst, "error", err)
	}
}

func (s *Slot) bufferPacket(pkt []byte, src *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= preEndpointBuffer {
		return
	}
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	s.pending = append(s.pending, bufferedPacket{data: cp, src: src})
}

// rtcpLoop passes RTCP through on port+1 without interpreting it. The
// remote RTCP ports are the RTP ports plus one.
func (s *Slot) rtcpLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxRTPPacket)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.rtcpConn.SetReadDeadline(time.Now().Add(readDeadline))
		n, src, err := s.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}

		eps := s.eps.Load()
		if eps == nil || s.hold.Load() {
			continue
		}

		var dst *net.UDPAddr
		switch {
		case eps.caller != nil && src.IP.Equal(eps.caller.IP) && src.Port == eps.caller.Port+1:
			if eps.callee != nil {
				dst = &net.UDPAddr{IP: eps.callee.IP, Port: eps.callee.Port + 1}
			}
		case eps.callee != nil && src.IP.Equal(eps.callee.IP) && src.Port == eps.callee.Port+1:
			if eps.caller != nil {
				dst = &net.UDPAddr{IP: eps.caller.IP, Port: eps.caller.Port + 1}
			}
		}
		if dst == nil {
			continue
		}
		s.rtcpConn.WriteToUDP(buf[:n], dst)
	}
}

// watchdog emits media_timeout once when a connected, unheld call sees
// no traffic in either direction for the inactivity window.
func (s *Slot) watchdog() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			if s.eps.Load() == nil || s.hold.Load() || s.timedOut.Load() {
				continue
			}
			last := s.lastCaller.Load()
			if lc := s.lastCallee.Load(); lc > last {
				last = lc
			}
			if now.UnixNano()-last > int64(inactivityTimeout) {
				s.timedOut.Store(true)
				s.logger.Warn("media inactivity timeout")
				s.events(Event{CallID: s.callID, Kind: EventMediaTimeout})
			}
		}
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
