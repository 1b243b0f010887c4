package media

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/zaf/g711"
)

// WAVRecorder is a RecorderSink that decodes G.711 payloads to linear
// PCM and writes a 8 kHz mono 16-bit WAV file. It serves both voicemail
// capture and call recording. WritePayload never blocks: payloads are
// handed to a writer goroutine over a buffered channel and dropped if
// the writer falls behind.
type WAVRecorder struct {
	logger *slog.Logger
	file   *os.File
	enc    *wav.Encoder

	ch     chan recordedPayload
	doneCh chan struct{}

	mu      sync.Mutex
	stopped bool
	samples int
}

type recordedPayload struct {
	payloadType uint8
	data        []byte
}

// NewWAVRecorder creates the output file and starts the writer.
func NewWAVRecorder(path string, logger *slog.Logger) (*WAVRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating recording file: %w", err)
	}

	r := &WAVRecorder{
		logger: logger.With("subsystem", "recorder", "file", path),
		file:   f,
		enc:    wav.NewEncoder(f, 8000, 16, 1, 1),
		ch:     make(chan recordedPayload, 64),
		doneCh: make(chan struct{}),
	}
	go r.writeLoop()
	return r, nil
}

// WritePayload implements RecorderSink. Only G.711 payloads are
// recorded; other codecs pass through the relay unrecorded. A relay
// loop may still hold the sink reference while Stop runs, so payloads
// arriving after Stop are discarded.
func (r *WAVRecorder) WritePayload(payloadType uint8, payload []byte) {
	if payloadType != PayloadPCMU && payloadType != PayloadPCMA {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)

	// Stop closes r.ch only after setting stopped under the same lock,
	// so a send reached here cannot hit a closed channel.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	select {
	case r.ch <- recordedPayload{payloadType: payloadType, data: cp}:
	default:
	}
}

func (r *WAVRecorder) writeLoop() {
	defer close(r.doneCh)

	for p := range r.ch {
		var lpcm []byte
		switch p.payloadType {
		case PayloadPCMU:
			lpcm = g711.DecodeUlaw(p.data)
		case PayloadPCMA:
			lpcm = g711.DecodeAlaw(p.data)
		}

		buf := &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: 8000},
			SourceBitDepth: 16,
			Data:           make([]int, len(lpcm)/2),
		}
		for i := 0; i+1 < len(lpcm); i += 2 {
			buf.Data[i/2] = int(int16(lpcm[i]) | int16(lpcm[i+1])<<8)
		}

		if err := r.enc.Write(buf); err != nil {
			r.logger.Error("writing wav samples", "error", err)
			return
		}
		r.mu.Lock()
		r.samples += len(buf.Data)
		r.mu.Unlock()
	}
}

// Stop finalizes the WAV header and closes the file. It returns the
// recorded duration in seconds. Stop is idempotent.
func (r *WAVRecorder) Stop() (int, error) {
	r.mu.Lock()
	if r.stopped {
		samples := r.samples
		r.mu.Unlock()
		return samples / 8000, nil
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.ch)
	<-r.doneCh

	if err := r.enc.Close(); err != nil {
		r.file.Close()
		return 0, fmt.Errorf("finalizing wav: %w", err)
	}
	if err := r.file.Close(); err != nil {
		return 0, fmt.Errorf("closing recording file: %w", err)
	}

	r.mu.Lock()
	samples := r.samples
	r.mu.Unlock()
	return samples / 8000, nil
}

// Samples returns the number of PCM samples written so far.
func (r *WAVRecorder) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}
