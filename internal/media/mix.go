// Package media implements the UDP streaming plane: the video fan-out router
// and the jitter-buffered audio mixer. Both learn member identity from the
// source IP of registration datagrams and consult the registry for per-room
// fan-out membership.
package media

import (
	"encoding/binary"
	"math"

	"github.com/lanmeet/lanmeet/internal/config"
)

// mixTargetRMS is the loudness the mixer normalizes toward, roughly -14 dBFS
// for voice.
const mixTargetRMS = 6000.0

// mixMaxGain caps normalization so near-silent input is not amplified into
// noise.
const mixMaxGain = 2.0

// MixChunks mixes raw PCM chunks (little-endian int16, mono) into one chunk:
// chunks are zero-padded to the longest, averaged in float, DC-removed and
// normalized toward the target RMS with a gain cap, then clipped back to
// int16. Chunks that are not the canonical size are ignored; returns nil when
// nothing mixable remains.
func MixChunks(chunks [][]byte) []byte {
	sources := make([][]int16, 0, len(chunks))
	maxSamples := 0
	for _, chunk := range chunks {
		if len(chunk) != config.AudioChunkBytes {
			continue
		}
		samples := decodePCM(chunk)
		if len(samples) > maxSamples {
			maxSamples = len(samples)
		}
		sources = append(sources, samples)
	}
	if len(sources) == 0 {
		return nil
	}

	// Average across sources; short chunks contribute zeros past their end.
	mixed := make([]float64, maxSamples)
	for _, samples := range sources {
		for i, s := range samples {
			mixed[i] += float64(s)
		}
	}
	n := float64(len(sources))
	var mean float64
	for i := range mixed {
		mixed[i] /= n
		mean += mixed[i]
	}
	mean /= float64(maxSamples)

	var sumSquares float64
	for i := range mixed {
		mixed[i] -= mean
		sumSquares += mixed[i] * mixed[i]
	}
	rms := math.Sqrt(sumSquares/float64(maxSamples)) + 1e-9

	gain := math.Min(mixMaxGain, mixTargetRMS/rms)
	out := make([]byte, maxSamples*config.AudioBytesPerSample)
	for i, v := range mixed {
		v *= gain
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func decodePCM(chunk []byte) []int16 {
	samples := make([]int16, len(chunk)/config.AudioBytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(chunk[i*2:]))
	}
	return samples
}
