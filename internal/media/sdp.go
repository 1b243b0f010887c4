package media

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Static RTP payload type assignments (RFC 3551) for the audio codecs
// the PBX offers. telephone-event uses a dynamic PT from configuration.
const (
	PayloadPCMU   = 0
	PayloadG726   = 2
	PayloadPCMA   = 8
	PayloadG722   = 9
	PayloadG729   = 18
	DefaultDTMFPT = 101
)

// Codec is one audio format from an SDP rtpmap line (or a static
// assignment implied by the m= format list).
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
	Channels    int
	Fmtp        string
}

// Rtpmap returns the a=rtpmap attribute value for the codec.
func (c Codec) Rtpmap() string {
	s := strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
	if c.Channels > 1 {
		s += "/" + strconv.Itoa(c.Channels)
	}
	return s
}

// staticCodec resolves well-known static payload types that may appear
// in an m= line without an rtpmap.
func staticCodec(pt int) (Codec, bool) {
	switch pt {
	case PayloadPCMU:
		return Codec{PayloadType: pt, Name: "PCMU", ClockRate: 8000}, true
	case PayloadPCMA:
		return Codec{PayloadType: pt, Name: "PCMA", ClockRate: 8000}, true
	case PayloadG722:
		// G722 advertises 8000 in SDP despite its 16 kHz sampling.
		return Codec{PayloadType: pt, Name: "G722", ClockRate: 8000}, true
	case PayloadG729:
		return Codec{PayloadType: pt, Name: "G729", ClockRate: 8000}, true
	case PayloadG726:
		return Codec{PayloadType: pt, Name: "G726-32", ClockRate: 8000}, true
	}
	return Codec{}, false
}

// Origin is the o= line.
type Origin struct {
	Username       string
	SessionID      string
	SessionVersion string
	NetType        string
	AddrType       string
	Address        string
}

func (o Origin) String() string {
	return strings.Join([]string{
		o.Username, o.SessionID, o.SessionVersion, o.NetType, o.AddrType, o.Address,
	}, " ")
}

// Connection is a c= line.
type Connection struct {
	NetType  string
	AddrType string
	Address  string
}

func (c Connection) String() string {
	return c.NetType + " " + c.AddrType + " " + c.Address
}

// Media is one m= section with its attributes.
type Media struct {
	Type       string
	Port       int
	Proto      string
	Formats    []int
	Connection *Connection
	Codecs     []Codec
	Attributes []string
	Direction  string
}

// CodecByPT returns the codec with payload type pt, or nil.
func (m *Media) CodecByPT(pt int) *Codec {
	for i := range m.Codecs {
		if m.Codecs[i].PayloadType == pt {
			return &m.Codecs[i]
		}
	}
	return nil
}

// CodecByName returns the first codec named name (case-insensitive).
func (m *Media) CodecByName(name string) *Codec {
	for i := range m.Codecs {
		if strings.EqualFold(m.Codecs[i].Name, name) {
			return &m.Codecs[i]
		}
	}
	return nil
}

// TelephoneEventPT returns the negotiated telephone-event payload type,
// or -1 when RFC 2833 was not offered.
func (m *Media) TelephoneEventPT() int {
	if c := m.CodecByName("telephone-event"); c != nil {
		return c.PayloadType
	}
	return -1
}

// Session is a parsed SDP body.
type Session struct {
	Version     int
	Origin      Origin
	SessionName string
	Connection  *Connection
	Time        string
	Attributes  []string
	Media       []Media
}

// Audio returns the first audio media section, or nil.
func (s *Session) Audio() *Media {
	for i := range s.Media {
		if s.Media[i].Type == "audio" {
			return &s.Media[i]
		}
	}
	return nil
}

// RTPAddress returns the remote RTP endpoint for the given media
// section, preferring a media-level c= line over the session-level one.
func (s *Session) RTPAddress(m *Media) (*net.UDPAddr, error) {
	conn := m.Connection
	if conn == nil {
		conn = s.Connection
	}
	if conn == nil {
		return nil, fmt.Errorf("sdp has no connection line")
	}
	ip := net.ParseIP(conn.Address)
	if ip == nil {
		return nil, fmt.Errorf("sdp connection address %q is not an ip", conn.Address)
	}
	return &net.UDPAddr{IP: ip, Port: m.Port}, nil
}

// OnHold reports whether the session asks to suspend media, as used by
// re-INVITE hold (a=sendonly / a=inactive or the legacy 0.0.0.0
// connection address).
func (s *Session) OnHold() bool {
	if s.Connection != nil && s.Connection.Address == "0.0.0.0" {
		return true
	}
	a := s.Audio()
	if a == nil {
		return false
	}
	if a.Connection != nil && a.Connection.Address == "0.0.0.0" {
		return true
	}
	return a.Direction == "sendonly" || a.Direction == "inactive"
}

// ParseSDP parses an SDP body. Malformed mandatory lines fail the whole
// parse; the result is never partially populated on error.
func ParseSDP(data []byte) (*Session, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil, fmt.Errorf("empty sdp body")
	}

	s := &Session{}
	var cur *Media

	for _, line := range strings.Split(text, "\n") {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'v':
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("sdp version: %w", err)
			}
			s.Version = v

		case 'o':
			o, err := parseOrigin(value)
			if err != nil {
				return nil, fmt.Errorf("sdp origin: %w", err)
			}
			s.Origin = o

		case 's':
			s.SessionName = value

		case 'c':
			c, err := parseConnection(value)
			if err != nil {
				return nil, fmt.Errorf("sdp connection: %w", err)
			}
			if cur != nil {
				cur.Connection = &c
			} else {
				s.Connection = &c
			}

		case 't':
			s.Time = value

		case 'm':
			m, err := parseMediaLine(value)
			if err != nil {
				return nil, fmt.Errorf("sdp media: %w", err)
			}
			s.Media = append(s.Media, m)
			cur = &s.Media[len(s.Media)-1]

		case 'a':
			if cur != nil {
				cur.Attributes = append(cur.Attributes, value)
				applyMediaAttribute(cur, value)
			} else {
				s.Attributes = append(s.Attributes, value)
			}
		}
	}

	// Fill in static codecs the offer listed without rtpmap lines.
	for i := range s.Media {
		m := &s.Media[i]
		for _, pt := range m.Formats {
			if m.CodecByPT(pt) != nil {
				continue
			}
			if c, ok := staticCodec(pt); ok {
				m.Codecs = append(m.Codecs, c)
			}
		}
	}

	return s, nil
}

// Marshal serializes the session back to wire format with CRLF line
// endings.
func (s *Session) Marshal() []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "v=%d\r\n", s.Version)
	fmt.Fprintf(&b, "o=%s\r\n", s.Origin)
	fmt.Fprintf(&b, "s=%s\r\n", s.SessionName)
	if s.Connection != nil {
		fmt.Fprintf(&b, "c=%s\r\n", s.Connection)
	}
	if s.Time != "" {
		fmt.Fprintf(&b, "t=%s\r\n", s.Time)
	}
	for _, a := range s.Attributes {
		fmt.Fprintf(&b, "a=%s\r\n", a)
	}

	for i := range s.Media {
		m := &s.Media[i]
		fmts := make([]string, len(m.Formats))
		for j, f := range m.Formats {
			fmts[j] = strconv.Itoa(f)
		}
		fmt.Fprintf(&b, "m=%s %d %s %s\r\n", m.Type, m.Port, m.Proto, strings.Join(fmts, " "))
		if m.Connection != nil {
			fmt.Fprintf(&b, "c=%s\r\n", m.Connection)
		}
		for _, a := range m.Attributes {
			fmt.Fprintf(&b, "a=%s\r\n", a)
		}
	}

	return []byte(b.String())
}

func parseOrigin(value string) (Origin, error) {
	f := strings.Fields(value)
	if len(f) < 6 {
		return Origin{}, fmt.Errorf("expected 6 fields, got %d", len(f))
	}
	return Origin{
		Username:       f[0],
		SessionID:      f[1],
		SessionVersion: f[2],
		NetType:        f[3],
		AddrType:       f[4],
		Address:        f[5],
	}, nil
}

func parseConnection(value string) (Connection, error) {
	f := strings.Fields(value)
	if len(f) < 3 {
		return Connection{}, fmt.Errorf("expected 3 fields, got %d", len(f))
	}
	addr, _, _ := strings.Cut(f[2], "/")
	if net.ParseIP(addr) == nil {
		return Connection{}, fmt.Errorf("invalid address %q", addr)
	}
	return Connection{NetType: f[0], AddrType: f[1], Address: addr}, nil
}

func parseMediaLine(value string) (Media, error) {
	f := strings.Fields(value)
	if len(f) < 4 {
		return Media{}, fmt.Errorf("expected at least 4 fields, got %d", len(f))
	}

	portStr, _, _ := strings.Cut(f[1], "/")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Media{}, fmt.Errorf("invalid port %q: %w", f[1], err)
	}

	m := Media{
		Type:      f[0],
		Port:      port,
		Proto:     f[2],
		Direction: "sendrecv",
	}
	for _, ptStr := range f[3:] {
		pt, err := strconv.Atoi(ptStr)
		if err != nil {
			return Media{}, fmt.Errorf("invalid payload type %q: %w", ptStr, err)
		}
		m.Formats = append(m.Formats, pt)
	}
	return m, nil
}

func applyMediaAttribute(m *Media, attr string) {
	switch {
	case strings.HasPrefix(attr, "rtpmap:"):
		c, err := parseRtpmap(attr[len("rtpmap:"):])
		if err != nil {
			return
		}
		if prev := m.CodecByPT(c.PayloadType); prev != nil {
			c.Fmtp = prev.Fmtp
			*prev = c
			return
		}
		m.Codecs = append(m.Codecs, c)

	case strings.HasPrefix(attr, "fmtp:"):
		ptStr, params, ok := strings.Cut(attr[len("fmtp:"):], " ")
		if !ok {
			return
		}
		pt, err := strconv.Atoi(ptStr)
		if err != nil {
			return
		}
		if c := m.CodecByPT(pt); c != nil {
			c.Fmtp = params
			return
		}
		m.Codecs = append(m.Codecs, Codec{PayloadType: pt, Fmtp: params})

	case attr == "sendrecv" || attr == "sendonly" || attr == "recvonly" || attr == "inactive":
		m.Direction = attr
	}
}

func parseRtpmap(value string) (Codec, error) {
	ptStr, enc, ok := strings.Cut(value, " ")
	if !ok {
		return Codec{}, fmt.Errorf("expected '<pt> <encoding>', got %q", value)
	}
	pt, err := strconv.Atoi(ptStr)
	if err != nil {
		return Codec{}, fmt.Errorf("invalid payload type: %w", err)
	}

	parts := strings.Split(enc, "/")
	if len(parts) < 2 {
		return Codec{}, fmt.Errorf("expected '<name>/<rate>', got %q", enc)
	}
	rate, err := strconv.Atoi(parts[1])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid clock rate: %w", err)
	}

	c := Codec{PayloadType: pt, Name: parts[0], ClockRate: rate}
	if len(parts) >= 3 {
		if ch, err := strconv.Atoi(parts[2]); err == nil {
			c.Channels = ch
		}
	}
	return c, nil
}

// DefaultCodecs returns the full codec list the PBX offers, in
// preference order, with the configured telephone-event payload type.
func DefaultCodecs(dtmfPT int) []Codec {
	return []Codec{
		{PayloadType: PayloadPCMU, Name: "PCMU", ClockRate: 8000},
		{PayloadType: PayloadPCMA, Name: "PCMA", ClockRate: 8000},
		{PayloadType: PayloadG722, Name: "G722", ClockRate: 8000},
		{PayloadType: PayloadG729, Name: "G729", ClockRate: 8000},
		{PayloadType: PayloadG726, Name: "G726-32", ClockRate: 8000},
		{PayloadType: dtmfPT, Name: "telephone-event", ClockRate: 8000, Fmtp: "0-16"},
	}
}

// BuildAudioSDP constructs the SDP body the PBX offers or answers with.
// Payload types appear in the order given; telephone-event gets its
// rtpmap plus the fmtp event range. sessionID must be unique per
// allocated call.
func BuildAudioSDP(localIP string, localPort int, codecs []Codec, sessionID string) []byte {
	m := Media{
		Type:      "audio",
		Port:      localPort,
		Proto:     "RTP/AVP",
		Direction: "sendrecv",
	}
	for _, c := range codecs {
		m.Formats = append(m.Formats, c.PayloadType)
		m.Codecs = append(m.Codecs, c)
		m.Attributes = append(m.Attributes, "rtpmap:"+c.Rtpmap())
		if c.Fmtp != "" {
			m.Attributes = append(m.Attributes, fmt.Sprintf("fmtp:%d %s", c.PayloadType, c.Fmtp))
		}
	}
	m.Attributes = append(m.Attributes, "sendrecv")

	s := &Session{
		Version: 0,
		Origin: Origin{
			Username:       "coralpbx",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetType:        "IN",
			AddrType:       "IP4",
			Address:        localIP,
		},
		SessionName: "coralpbx",
		Connection:  &Connection{NetType: "IN", AddrType: "IP4", Address: localIP},
		Time:        "0 0",
		Media:       []Media{m},
	}
	return s.Marshal()
}

// Phone-model codec policies keyed by a User-Agent substring. Some
// firmware only negotiates G.711 reliably; others prefer the
// compressed codecs.
var uaCodecPolicies = []struct {
	substring string
	allowed   map[string]bool
}{
	{"Cisco/SPA", map[string]bool{"PCMU": true, "PCMA": true}},
	{"Grandstream", map[string]bool{"PCMU": true, "PCMA": true}},
	{"Yealink", map[string]bool{"G722": true, "G729": true, "G726-32": true}},
	{"snom", map[string]bool{"G722": true, "G729": true, "G726-32": true}},
}

// FilterCodecsForUserAgent restricts the offered codec list based on
// the phone model detected from the SIP User-Agent header. The
// telephone-event codec always survives filtering, and the result never
// references a payload type that would be absent from the m= line.
// Unknown user agents get the full list.
func FilterCodecsForUserAgent(codecs []Codec, userAgent string) []Codec {
	if userAgent == "" {
		return codecs
	}
	for _, policy := range uaCodecPolicies {
		if !strings.Contains(userAgent, policy.substring) {
			continue
		}
		out := make([]Codec, 0, len(codecs))
		for _, c := range codecs {
			if strings.EqualFold(c.Name, "telephone-event") || policy.allowed[c.Name] {
				out = append(out, c)
			}
		}
		if len(out) > 0 {
			return out
		}
		return codecs
	}
	return codecs
}

// NegotiateCodec picks the audio codec for a call: the first codec in
// the caller's preference order that both sides support.
// telephone-event is excluded; it is negotiated separately.
func NegotiateCodec(offer, answer *Media) (*Codec, error) {
	for i := range offer.Codecs {
		oc := &offer.Codecs[i]
		if strings.EqualFold(oc.Name, "telephone-event") {
			continue
		}
		if ac := answer.CodecByName(oc.Name); ac != nil {
			return oc, nil
		}
	}
	return nil, fmt.Errorf("no common audio codec")
}
