// Package audio provides PCM16 audio clips and WAV plumbing shared by the
// capture, synthesis, and playback packages.
//
// All clips are mono 16-bit PCM. A clip is owned by whichever queue
// currently holds it; hand-off transfers the sample slice, it is never
// copied on the synthesis-to-playback path.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Clip is a mono PCM16 audio buffer with its sample rate.
type Clip struct {
	Samples    []int16
	SampleRate int
}

// NewClip wraps samples at the given rate.
func NewClip(samples []int16, sampleRate int) *Clip {
	return &Clip{Samples: samples, SampleRate: sampleRate}
}

// Duration returns the playback duration of the clip.
func (c *Clip) Duration() time.Duration {
	if c == nil || c.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(len(c.Samples)) / float64(c.SampleRate) * float64(time.Second))
}

// Bytes returns the raw little-endian PCM16 bytes.
func (c *Clip) Bytes() []byte {
	buf := make([]byte, len(c.Samples)*2)
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// FromBytes builds a clip from raw little-endian PCM16 bytes.
func FromBytes(data []byte, sampleRate int) *Clip {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return &Clip{Samples: samples, SampleRate: sampleRate}
}

// RMS returns the root mean square level of the clip, normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the peak absolute level of the clip, normalized to [0, 1].
func Peak(samples []int16) float64 {
	var peak float64
	for _, s := range samples {
		f := math.Abs(float64(s) / 32768.0)
		if f > peak {
			peak = f
		}
	}
	return peak
}

// Resample converts samples from srcRate to dstRate by linear interpolation.
// Returns the input unchanged when the rates match.
func Resample(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(dstRate) / float64(srcRate)
	newLen := int(float64(len(samples)) * ratio)
	result := make([]int16, newLen)

	for i := 0; i < newLen; i++ {
		srcIdx := float64(i) / ratio
		idx := int(srcIdx)
		if idx >= len(samples)-1 {
			result[i] = samples[len(samples)-1]
		} else {
			frac := srcIdx - float64(idx)
			result[i] = int16(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
		}
	}

	return result
}
