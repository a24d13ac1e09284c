// Package dsp implements the frame codec and DSP kernels described in spec
// §4.1 (C1): int16 byte alignment and the DC-blocking high-pass filter that
// keeps synthesized bursts from popping on the egress track.
package dsp

import (
	"encoding/binary"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/errkind"
)

// AlignInt16 truncates a trailing odd byte (if any) and reinterprets the
// remaining bytes as little-endian signed 16-bit samples. An empty result
// after truncation is reported via errkind.ErrInvariant; callers must treat
// that as "drop the frame, no error" per spec §4.1/§8.
func AlignInt16(b []byte) ([]int16, error) {
	n := len(b) / 2
	if n == 0 {
		return nil, errkind.ErrInvariant
	}
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return samples, nil
}

// SamplesToBytes is the inverse of AlignInt16: little-endian signed 16-bit
// samples packed back into a byte slice. Round-tripping
// AlignInt16(SamplesToBytes(AlignInt16(x))) reproduces AlignInt16(x).
func SamplesToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:i*2+2], uint16(s))
	}
	return b
}
