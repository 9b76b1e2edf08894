package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrMalformedFrame reports a transport frame whose payload could not be
// decoded. Callers drop the frame and keep the session alive.
var ErrMalformedFrame = errors.New("malformed audio frame")

// DecodeFrame converts one base64-encoded transport frame into raw PCM16LE
// bytes. The signaling layer delivers 16-bit linear mono samples at the
// telephony rate, so no codec work happens here beyond the base64 layer.
func DecodeFrame(payload string) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d for 16-bit samples", ErrMalformedFrame, len(pcm))
	}
	return pcm, nil
}

// Duration returns how much audio time a PCM16LE mono byte slice represents
// at the given sample rate, in milliseconds.
func DurationMS(pcmLen, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return pcmLen * 1000 / (sampleRate * 2)
}

// BytesForDuration returns the PCM16LE mono byte count covering ms
// milliseconds at the given sample rate.
func BytesForDuration(ms, sampleRate int) int {
	return sampleRate * 2 * ms / 1000
}
