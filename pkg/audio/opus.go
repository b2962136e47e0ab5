package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Remote fragments that arrive Opus-encoded use 24 kHz mono at 20 ms frames,
// matching the pipeline's playback format.
const (
	opusSampleRate  = 24000
	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 480
)

// OpusDecoder decodes Opus fragment payloads into little-endian int16 PCM.
// Opus decoders are stateful across consecutive packets, so create one per
// playback session and never share it between sessions.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates a decoder configured for the pipeline's 24 kHz mono
// playback format.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus packet into PCM int16 bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}
