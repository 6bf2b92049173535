// Package vad provides a lightweight energy-based voice activity detector.
// It classifies fixed-size frames by RMS energy and reports the fraction of
// speech frames in a window, which is how the wake loop decides whether a
// captured chunk is worth transcribing.
package vad

import "github.com/panda-one/go-panda/pkg/audio"

const (
	// DefaultThreshold is the normalized RMS level above which a frame
	// counts as speech. Tuned for 16 kHz mono microphone input.
	DefaultThreshold = 0.015

	// DefaultFrameMs is the frame length used to slice a window.
	DefaultFrameMs = 30

	// DefaultSpeechRatio is the minimum fraction of speech frames a window
	// needs before it is treated as containing speech.
	DefaultSpeechRatio = 0.3
)

// Detector classifies audio frames as speech or silence by RMS energy.
// The zero value is not usable; construct with New.
type Detector struct {
	threshold  float64
	sampleRate int
	frameSize  int
}

// New returns a detector for the given sample rate. A non-positive threshold
// falls back to DefaultThreshold.
func New(sampleRate int, threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	frame := sampleRate * DefaultFrameMs / 1000
	if frame < 1 {
		frame = 1
	}
	return &Detector{
		threshold:  threshold,
		sampleRate: sampleRate,
		frameSize:  frame,
	}
}

// Threshold returns the configured RMS threshold.
func (d *Detector) Threshold() float64 { return d.threshold }

// IsSpeech reports whether a single frame's energy exceeds the threshold.
func (d *Detector) IsSpeech(frame []int16) bool {
	return audio.RMS(frame) > d.threshold
}

// SpeechRatio slices the window into frames and returns the fraction
// classified as speech. The trailing partial frame is ignored. An empty or
// sub-frame window yields 0.
func (d *Detector) SpeechRatio(window []int16) float64 {
	frames := len(window) / d.frameSize
	if frames == 0 {
		return 0
	}
	speech := 0
	for i := 0; i < frames; i++ {
		frame := window[i*d.frameSize : (i+1)*d.frameSize]
		if d.IsSpeech(frame) {
			speech++
		}
	}
	return float64(speech) / float64(frames)
}

// HasSpeech reports whether the window's speech ratio reaches minRatio.
// A non-positive minRatio falls back to DefaultSpeechRatio.
func (d *Detector) HasSpeech(window []int16, minRatio float64) bool {
	if minRatio <= 0 {
		minRatio = DefaultSpeechRatio
	}
	return d.SpeechRatio(window) >= minRatio
}
