package player

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/voxwire/voxwire/pkg/audio"
)

// Compile-time assertion that SpeakerSink satisfies Sink.
var _ Sink = (*SpeakerSink)(nil)

// FragmentFormat identifies the payload encoding negotiated with the remote.
type FragmentFormat string

const (
	// FormatPCM16 is raw little-endian signed 16-bit PCM.
	FormatPCM16 FragmentFormat = "pcm16"

	// FormatOpus is Opus packets decoded before playback.
	FormatOpus FragmentFormat = "opus"
)

// IsValid reports whether f is a recognised fragment format.
func (f FragmentFormat) IsValid() bool {
	return f == FormatPCM16 || f == FormatOpus
}

// completionPollInterval is how often Play checks whether the device has
// finished the current fragment.
const completionPollInterval = 10 * time.Millisecond

// SpeakerSink plays fragments through the system audio output via oto.
// Create one per process — the underlying audio context is a singleton.
// For Opus fragments call [SpeakerSink.Reset] at session boundaries so
// decoder state never carries across sessions.
type SpeakerSink struct {
	otoCtx  *oto.Context
	format  FragmentFormat
	decoder *audio.OpusDecoder
}

// NewSpeakerSink opens the system audio output for mono PCM16 playback at
// sampleRate and prepares decoding for the given fragment format.
func NewSpeakerSink(sampleRate int, format FragmentFormat) (*SpeakerSink, error) {
	if !format.IsValid() {
		return nil, fmt.Errorf("player: unknown fragment format %q", format)
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("player: open audio output: %w", err)
	}
	<-ready

	s := &SpeakerSink{otoCtx: otoCtx, format: format}
	if format == FormatOpus {
		dec, err := audio.NewOpusDecoder()
		if err != nil {
			return nil, err
		}
		s.decoder = dec
	}
	return s, nil
}

// Reset discards Opus decoder state so a new session starts from a clean
// decoder. No-op for PCM16 sinks.
func (s *SpeakerSink) Reset() error {
	if s.format != FormatOpus {
		return nil
	}
	dec, err := audio.NewOpusDecoder()
	if err != nil {
		return err
	}
	s.decoder = dec
	return nil
}

// Play decodes payload and plays it to completion. Returns early with
// ctx.Err() when ctx is cancelled mid-playback; sound already handed to the
// device may still finish audibly.
func (s *SpeakerSink) Play(ctx context.Context, payload []byte) error {
	pcm := payload
	if s.decoder != nil {
		decoded, err := s.decoder.Decode(payload)
		if err != nil {
			return err
		}
		pcm = decoded
	}

	p := s.otoCtx.NewPlayer(bytes.NewReader(pcm))
	defer p.Close()
	p.Play()

	ticker := time.NewTicker(completionPollInterval)
	defer ticker.Stop()
	for p.IsPlaying() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
