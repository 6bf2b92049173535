package vad

import (
	"math"
	"testing"
)

const testRate = 16000

// tone generates n samples of a sine wave at the given normalized amplitude.
func tone(n int, amplitude float64) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		v := amplitude * math.Sin(2*math.Pi*440*float64(i)/testRate)
		samples[i] = int16(v * 32767)
	}
	return samples
}

func TestIsSpeech(t *testing.T) {
	d := New(testRate, 0.015)

	tests := []struct {
		name      string
		frame     []int16
		wantVoice bool
	}{
		{name: "silence", frame: make([]int16, 480), wantVoice: false},
		{name: "quiet noise", frame: tone(480, 0.005), wantVoice: false},
		{name: "loud tone", frame: tone(480, 0.5), wantVoice: true},
		{name: "empty frame", frame: nil, wantVoice: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.IsSpeech(tt.frame); got != tt.wantVoice {
				t.Errorf("IsSpeech = %v, want %v", got, tt.wantVoice)
			}
		})
	}
}

func TestSpeechRatio(t *testing.T) {
	d := New(testRate, 0.015)
	frame := d.frameSize

	// Half the window loud, half silent.
	window := append(tone(frame*5, 0.5), make([]int16, frame*5)...)
	ratio := d.SpeechRatio(window)
	if ratio < 0.45 || ratio > 0.55 {
		t.Errorf("SpeechRatio = %.2f, want about 0.5", ratio)
	}

	if got := d.SpeechRatio(nil); got != 0 {
		t.Errorf("SpeechRatio(nil) = %.2f, want 0", got)
	}
	if got := d.SpeechRatio(make([]int16, frame-1)); got != 0 {
		t.Errorf("SpeechRatio(partial frame) = %.2f, want 0", got)
	}
}

func TestHasSpeech(t *testing.T) {
	d := New(testRate, 0.015)
	frame := d.frameSize

	// 40% of frames carry speech.
	window := append(tone(frame*4, 0.5), make([]int16, frame*6)...)
	if !d.HasSpeech(window, 0.3) {
		t.Error("HasSpeech = false for 40% speech window at 0.3 ratio")
	}
	if d.HasSpeech(window, 0.5) {
		t.Error("HasSpeech = true for 40% speech window at 0.5 ratio")
	}

	// Non-positive ratio falls back to the default.
	if !d.HasSpeech(window, 0) {
		t.Error("HasSpeech with zero ratio should use the default threshold")
	}
}

func TestNewDefaults(t *testing.T) {
	d := New(testRate, 0)
	if d.Threshold() != DefaultThreshold {
		t.Errorf("threshold = %v, want default %v", d.Threshold(), DefaultThreshold)
	}
	if d.frameSize != testRate*DefaultFrameMs/1000 {
		t.Errorf("frameSize = %d", d.frameSize)
	}
}
