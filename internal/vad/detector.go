// Package vad classifies short PCM frames as speech or non-speech using RMS
// energy. The detector is deliberately conservative: any input it cannot
// analyze is reported as non-speech, so a broken frame can only under-trigger
// turn processing, never fire it spuriously.
package vad

import (
	"fmt"
	"math"
	"time"
)

// Frame durations the detector accepts, mirroring the narrow-band telephony
// analysis windows. Shorter inputs are rejected, not padded.
var supportedFrames = []time.Duration{
	10 * time.Millisecond,
	20 * time.Millisecond,
	30 * time.Millisecond,
}

// speechThresholds maps aggressiveness 0-3 to the normalized RMS level a
// frame must reach to count as speech. Higher aggressiveness demands more
// energy, filtering more noise at the cost of clipping quiet speakers.
var speechThresholds = [4]float64{0.005, 0.010, 0.015, 0.025}

// Detector classifies PCM16LE mono frames. It is stateless given a fixed
// aggressiveness setting and safe for concurrent use.
type Detector struct {
	sampleRate int
	threshold  float64
}

// New returns a detector for the given sample rate and aggressiveness (0-3).
func New(sampleRate, aggressiveness int) (*Detector, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("vad: sample rate must be positive, got %d", sampleRate)
	}
	if aggressiveness < 0 || aggressiveness > 3 {
		return nil, fmt.Errorf("vad: aggressiveness must be between 0 and 3, got %d", aggressiveness)
	}
	return &Detector{
		sampleRate: sampleRate,
		threshold:  speechThresholds[aggressiveness],
	}, nil
}

// IsSpeech reports whether the first frameDuration of pcm contains speech.
// It never fails: unsupported durations and short or misaligned inputs
// return false.
func (d *Detector) IsSpeech(pcm []byte, frameDuration time.Duration) bool {
	if !frameSupported(frameDuration) {
		return false
	}
	frameBytes := d.frameBytes(frameDuration)
	if frameBytes <= 0 || len(pcm) < frameBytes {
		return false
	}
	return rms(pcm[:frameBytes]) >= d.threshold
}

// DetectFrame classifies a whole transport frame, analyzing the largest
// supported window the frame can fill. Telephony layers deliver 20 ms frames;
// a fixed 30 ms window would reject them outright. Frames shorter than the
// smallest supported window report no speech.
func (d *Detector) DetectFrame(pcm []byte) bool {
	for i := len(supportedFrames) - 1; i >= 0; i-- {
		window := supportedFrames[i]
		if len(pcm) >= d.frameBytes(window) {
			return d.IsSpeech(pcm, window)
		}
	}
	return false
}

func (d *Detector) frameBytes(dur time.Duration) int {
	return d.sampleRate * 2 * int(dur.Milliseconds()) / 1000
}

func frameSupported(dur time.Duration) bool {
	for _, s := range supportedFrames {
		if dur == s {
			return true
		}
	}
	return false
}

// rms returns the root-mean-square level of a PCM16LE slice normalized to
// [0, 1]. An odd trailing byte is ignored.
func rms(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(samples))
}
