package media

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/pion/rtp"
)

// RFC 2833 telephone-event payload layout (4 bytes):
//
//	byte 0: event code (0-9 digits, 10 *, 11 #, 12-15 A-D)
//	byte 1: E bit (0x80) | R bit (0x40, always zero) | 6-bit volume
//	bytes 2-3: duration in 8 kHz timestamp units, network order
const dtmfPayloadLen = 4

// DTMFEvent is one decoded telephone-event payload.
type DTMFEvent struct {
	Code     uint8
	End      bool
	Volume   uint8
	Duration uint16
}

// Digit returns the dial character for the event code, or 0 for codes
// outside the DTMF alphabet.
func (e DTMFEvent) Digit() rune {
	switch {
	case e.Code <= 9:
		return rune('0' + e.Code)
	case e.Code == 10:
		return '*'
	case e.Code == 11:
		return '#'
	case e.Code <= 15:
		return rune('A' + e.Code - 12)
	}
	return 0
}

// EventCode maps a dial character to its RFC 2833 event code.
func EventCode(digit rune) (uint8, bool) {
	switch {
	case digit >= '0' && digit <= '9':
		return uint8(digit - '0'), true
	case digit == '*':
		return 10, true
	case digit == '#':
		return 11, true
	case digit >= 'A' && digit <= 'D':
		return uint8(digit-'A') + 12, true
	case digit >= 'a' && digit <= 'd':
		return uint8(digit-'a') + 12, true
	}
	return 0, false
}

// Pack serializes the event into its 4-byte wire form.
func (e DTMFEvent) Pack() []byte {
	buf := make([]byte, dtmfPayloadLen)
	buf[0] = e.Code
	buf[1] = e.Volume & 0x3F
	if e.End {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:], e.Duration)
	return buf
}

// ParseDTMFEvent decodes a telephone-event payload.
func ParseDTMFEvent(payload []byte) (DTMFEvent, error) {
	if len(payload) < dtmfPayloadLen {
		return DTMFEvent{}, fmt.Errorf("telephone-event payload too short: %d bytes", len(payload))
	}
	return DTMFEvent{
		Code:     payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

// DTMFReceiver is the per-call RFC 2833 state machine. It emits exactly
// one digit notification per event: end packets are retransmitted three
// times on the wire and must be deduplicated, and continuation packets
// only extend the duration. Not safe for concurrent use; the relay slot
// feeds it from a single goroutine.
type DTMFReceiver struct {
	payloadType uint8
	emit        func(digit rune, duration uint16)

	active    bool
	code      uint8
	timestamp uint32
	duration  uint16

	lastEndCode uint8
	lastEndTS   uint32
	sawEnd      bool
}

// NewDTMFReceiver creates a receiver for the negotiated telephone-event
// payload type. emit is called once per completed digit.
func NewDTMFReceiver(payloadType uint8, emit func(digit rune, duration uint16)) *DTMFReceiver {
	return &DTMFReceiver{payloadType: payloadType, emit: emit}
}

// PayloadType returns the payload type the receiver was bound to.
func (r *DTMFReceiver) PayloadType() uint8 { return r.payloadType }

// Process inspects one RTP packet. Packets whose payload type does not
// match are ignored so the caller can feed every relayed packet.
func (r *DTMFReceiver) Process(hdr *rtp.Header, payload []byte) {
	if hdr.PayloadType != r.payloadType {
		return
	}
	ev, err := ParseDTMFEvent(payload)
	if err != nil {
		return
	}

	if ev.End {
		// Retransmitted end packets share the event timestamp.
		if r.sawEnd && r.lastEndCode == ev.Code && r.lastEndTS == hdr.Timestamp {
			return
		}
		if r.active && r.code == ev.Code {
			r.emit(ev.Digit(), ev.Duration)
		}
		r.active = false
		r.sawEnd = true
		r.lastEndCode = ev.Code
		r.lastEndTS = hdr.Timestamp
		return
	}

	if r.active && r.code == ev.Code && r.timestamp == hdr.Timestamp {
		// Continuation: extend duration, never re-emit.
		r.duration = ev.Duration
		return
	}

	// Start of a new event.
	r.active = true
	r.code = ev.Code
	r.timestamp = hdr.Timestamp
	r.duration = ev.Duration
}

// RTPWriter sends RTP packets toward one endpoint.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// DTMFSender emits digits as RFC 2833 packet trains: a start packet
// with the RTP marker bit, continuations every 20 ms, then three end
// packets 10 ms apart, all sharing the start timestamp.
type DTMFSender struct {
	writer      RTPWriter
	payloadType uint8
	ssrc        uint32
	seq         uint16
	ts          uint32

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

// NewDTMFSender creates a sender using the negotiated payload type.
func NewDTMFSender(writer RTPWriter, payloadType uint8) *DTMFSender {
	return &DTMFSender{
		writer:      writer,
		payloadType: payloadType,
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.Intn(1 << 16)),
		ts:          rand.Uint32(),
		sleep:       time.Sleep,
	}
}

const (
	// samplesPerInterval is 20 ms at the 8 kHz event clock.
	samplesPerInterval = 160
	dtmfVolume         = 10
)

// SendDigit transmits one digit lasting duration (minimum one 20 ms
// interval).
func (s *DTMFSender) SendDigit(digit rune, duration time.Duration) error {
	code, ok := EventCode(digit)
	if !ok {
		return fmt.Errorf("invalid dtmf digit %q", digit)
	}

	total := uint16(duration.Seconds() * 8000)
	if total < samplesPerInterval {
		total = samplesPerInterval
	}

	eventTS := s.ts
	first := true
	for elapsed := uint16(samplesPerInterval); elapsed < total; elapsed += samplesPerInterval {
		ev := DTMFEvent{Code: code, Volume: dtmfVolume, Duration: elapsed}
		if err := s.write(ev, eventTS, first); err != nil {
			return fmt.Errorf("dtmf start/continuation: %w", err)
		}
		first = false
		s.sleep(20 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		ev := DTMFEvent{Code: code, End: true, Volume: dtmfVolume, Duration: total}
		if err := s.write(ev, eventTS, first); err != nil {
			return fmt.Errorf("dtmf end: %w", err)
		}
		first = false
		if i < 2 {
			s.sleep(10 * time.Millisecond)
		}
	}

	// Advance the stream clock past the event for the next digit.
	s.ts += uint32(total) + samplesPerInterval
	return nil
}

func (s *DTMFSender) write(ev DTMFEvent, ts uint32, marker bool) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.payloadType,
			SequenceNumber: s.seq,
			Timestamp:      ts,
			SSRC:           s.ssrc,
		},
		Payload: ev.Pack(),
	}
	s.seq++
	return s.writer.WriteRTP(pkt)
}
