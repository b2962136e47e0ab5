package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// Compile-time assertion that MicSource satisfies Source.
var _ Source = (*MicSource)(nil)

// MicSource captures from the default system microphone via miniaudio.
// Echo cancellation, noise suppression and auto gain constraints are
// accepted but not applied — miniaudio exposes raw device input only, and
// the remote speech backend performs its own input conditioning.
//
// A MicSource is single-use per Open/Close cycle but may be reopened after
// Close.
type MicSource struct {
	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
}

// NewMicSource creates an unopened microphone source.
func NewMicSource() *MicSource {
	return &MicSource{}
}

// Open acquires the default capture device and begins delivering float32
// samples. The device is configured for the requested rate; miniaudio
// resamples internally, so the actual rate always matches the request.
func (m *MicSource) Open(ctx context.Context, c Constraints, deliver func(samples []float32)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		return 0, fmt.Errorf("capture: mic already open")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: init context: %v", ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(c.Channels)
	cfg.SampleRate = uint32(c.SampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			deliver(bytesToFloat32s(input))
		},
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return 0, fmt.Errorf("%w: init device: %v", ErrDeviceUnavailable, err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return 0, fmt.Errorf("%w: start device: %v", ErrDeviceUnavailable, err)
	}

	m.mctx = mctx
	m.device = device
	return c.SampleRate, nil
}

// Close stops capture and releases the device and context. Idempotent.
func (m *MicSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
		m.device = nil
	}
	if m.mctx != nil {
		_ = m.mctx.Uninit()
		m.mctx.Free()
		m.mctx = nil
	}
	return nil
}

// bytesToFloat32s reinterprets little-endian IEEE 754 float32 PCM bytes as a
// sample slice. Any trailing partial sample is ignored.
func bytesToFloat32s(b []byte) []float32 {
	n := len(b) / 4
	samples := make([]float32, n)
	for i := range n {
		bits := binary.LittleEndian.Uint32(b[i*4 : i*4+4])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}
