// Package capture turns a live microphone stream into wire-ready PCM16 audio
// frames.
//
// The two abstractions are:
//
//   - [Source] — a device backend that delivers raw float32 sample batches.
//   - [Encoder] — accumulates samples into fixed-size blocks, converts them to
//     little-endian int16 PCM, and forwards each encoded block to a registered
//     consumer callback (normally the transport's send path).
//
// Encoded frames are never queued: if no consumer is registered, or the
// consumer cannot forward a frame, the frame is dropped. Stale microphone
// audio has no retry value.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/voxwire/voxwire/pkg/audio"
)

// ErrPermissionDenied indicates the user or OS declined microphone access.
var ErrPermissionDenied = errors.New("capture: microphone permission denied")

// ErrDeviceUnavailable indicates a hardware or driver failure while acquiring
// the microphone.
var ErrDeviceUnavailable = errors.New("capture: audio device unavailable")

// DefaultSampleRate is the target capture rate in Hz.
const DefaultSampleRate = 24000

// DefaultBlockSize is the number of samples per encoded frame.
const DefaultBlockSize = 4096

// Constraints describes the stream parameters requested from a [Source].
// Backends apply them best-effort; a source that cannot honour the exact
// sample rate reports the actual rate so the encoder can resample.
type Constraints struct {
	// SampleRate is the requested capture rate in Hz.
	SampleRate int

	// Channels is the requested channel count. The pipeline is mono-only.
	Channels int

	// EchoCancellation, NoiseSuppression and AutoGain request the
	// corresponding device-level processing where the backend supports it.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool
}

// Source is a microphone backend. Implementations own the OS audio resource
// exclusively between Open and Close.
type Source interface {
	// Open acquires the device and begins delivering float32 sample batches
	// (range [-1.0, 1.0]) to deliver. Batches may be any size; the encoder
	// handles block framing. Open returns the actual sample rate granted by
	// the device, which may differ from c.SampleRate.
	//
	// Errors wrap [ErrPermissionDenied] or [ErrDeviceUnavailable].
	Open(ctx context.Context, c Constraints, deliver func(samples []float32)) (actualRate int, err error)

	// Close stops delivery and releases the device. Idempotent; safe to call
	// even when Open failed or never ran. The hardware capture indicator must
	// be off by the time Close returns.
	Close() error
}

// Option configures an [Encoder] during construction.
type Option func(*Encoder)

// WithBlockSize sets the number of samples per encoded frame.
func WithBlockSize(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.blockSize = n
		}
	}
}

// WithSampleRate sets the target capture rate in Hz.
func WithSampleRate(hz int) Option {
	return func(e *Encoder) {
		if hz > 0 {
			e.sampleRate = hz
		}
	}
}

// Encoder converts a live [Source] stream into fixed-size PCM16 frames.
//
// Start and Stop are safe for concurrent use. The consumer callback is
// invoked from the source's delivery goroutine, one frame at a time.
type Encoder struct {
	source     Source
	blockSize  int
	sampleRate int

	mu         sync.Mutex
	running    bool
	actualRate int
	pending    []float32
	onFrame    func(frame []byte)
}

// New creates an Encoder reading from source. The source is not opened until
// [Encoder.Start].
func New(source Source, opts ...Option) *Encoder {
	e := &Encoder{
		source:     source,
		blockSize:  DefaultBlockSize,
		sampleRate: DefaultSampleRate,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnAudioData registers fn as the consumer for encoded frames. Only one
// consumer may be registered at a time; subsequent calls replace the previous
// registration. Frames produced while no consumer is registered are dropped.
func (e *Encoder) OnAudioData(fn func(frame []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFrame = fn
}

// Start opens the underlying source and begins producing frames. It requests
// mono audio at the configured sample rate with echo cancellation, noise
// suppression and auto gain enabled.
//
// Returns an error wrapping [ErrPermissionDenied] or [ErrDeviceUnavailable]
// when the device cannot be acquired, or an error if the encoder is already
// running.
func (e *Encoder) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("capture: already started")
	}
	e.running = true
	e.pending = e.pending[:0]
	e.mu.Unlock()

	c := Constraints{
		SampleRate:       e.sampleRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGain:         true,
	}

	rate, err := e.source.Open(ctx, c, e.deliver)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		// Release whatever the source may have half-acquired.
		_ = e.source.Close()
		return fmt.Errorf("capture: open source: %w", err)
	}

	e.mu.Lock()
	e.actualRate = rate
	e.mu.Unlock()
	return nil
}

// Stop releases the source and discards any partial block. Idempotent; safe
// to call when Start never completed. New frame production is suspended
// immediately, though a delivery already executing may finish its callback.
func (e *Encoder) Stop() {
	e.mu.Lock()
	wasRunning := e.running
	e.running = false
	e.pending = nil
	e.mu.Unlock()

	// Close unconditionally so a half-open device is released even when
	// Start failed partway.
	_ = e.source.Close()
	_ = wasRunning
}

// deliver accumulates source samples and emits encoded frames once a full
// block is available. Called from the source's delivery goroutine.
func (e *Encoder) deliver(samples []float32) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, samples...)

	var frames [][]byte
	for len(e.pending) >= e.blockSize {
		block := e.pending[:e.blockSize]
		frame := audio.EncodePCM16(block)
		if e.actualRate != 0 && e.actualRate != e.sampleRate {
			frame = audio.ResampleMono16(frame, e.actualRate, e.sampleRate)
		}
		frames = append(frames, frame)
		e.pending = append(e.pending[:0], e.pending[e.blockSize:]...)
	}
	onFrame := e.onFrame
	e.mu.Unlock()

	if onFrame == nil {
		return
	}
	for _, f := range frames {
		onFrame(f)
	}
}
