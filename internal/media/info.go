package media

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDTMFInfo is returned for SIP INFO bodies that do not carry
// a parsable DTMF signal.
var ErrInvalidDTMFInfo = errors.New("invalid dtmf info body")

// defaultInfoDuration applies when an INFO body omits Duration.
const defaultInfoDuration = 160 * time.Millisecond

// ParseSIPInfoDTMF extracts a digit from a SIP INFO body. Older phones
// signal DTMF out of band instead of RFC 2833:
//
//	application/dtmf-relay: "Signal=5\r\nDuration=160"
//	application/dtmf:       "5"
func ParseSIPInfoDTMF(contentType string, body []byte) (digit rune, duration time.Duration, err error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	text := strings.TrimSpace(string(body))
	if text == "" {
		return 0, 0, ErrInvalidDTMFInfo
	}

	switch {
	case strings.HasPrefix(ct, "application/dtmf-relay"):
		return parseDTMFRelay(text)
	case strings.HasPrefix(ct, "application/dtmf"):
		digit := rune(text[0])
		if _, ok := EventCode(digit); !ok {
			return 0, 0, ErrInvalidDTMFInfo
		}
		return digit, defaultInfoDuration, nil
	}
	return 0, 0, ErrInvalidDTMFInfo
}

func parseDTMFRelay(text string) (rune, time.Duration, error) {
	var digit rune
	duration := defaultInfoDuration
	haveSignal := false

	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			if value == "" {
				return 0, 0, ErrInvalidDTMFInfo
			}
			d := rune(value[0])
			if _, ok := EventCode(d); !ok {
				return 0, 0, ErrInvalidDTMFInfo
			}
			digit = d
			haveSignal = true
		case "duration":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				duration = time.Duration(ms) * time.Millisecond
			}
		}
	}

	if !haveSignal {
		return 0, 0, ErrInvalidDTMFInfo
	}
	return digit, duration, nil
}
