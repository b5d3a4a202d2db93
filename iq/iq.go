// (c) Lukas Lao Beyer, 2016-2017
// Copyright (C) 2020 Google LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package iq converts between the FreeSRP sample wire format and in-memory
// I/Q samples.
//
// On the wire every sample takes 4 bytes: two little-endian 16-bit halfwords,
// Q first and I second. Each halfword carries a 12-bit two's-complement value
// in its low bits; the upper 4 bits are ignored on decode and zero on encode.
package iq

import (
	"encoding/binary"
	"math"
)

// BytesPerSample is the size of one I/Q sample on the wire.
const BytesPerSample = 4

const (
	// MinRaw and MaxRaw bound the device's 12-bit two's-complement range.
	MinRaw = -2048
	MaxRaw = 2047

	// Scale maps raw values to the normalized -1.0..1.0 range.
	Scale = 2048.0

	mask12  = 0x0fff
	signBit = 0x0800
)

var le = binary.LittleEndian

// Raw is a sample in the device's integer range (-2048..2047).
type Raw struct {
	I int16
	Q int16
}

// Sample is a normalized sample. Components are nominally within -1.0..1.0.
type Sample struct {
	I float32
	Q float32
}

// SignExtend12 interprets the low 12 bits of v as a two's-complement value.
func SignExtend12(v uint16) int16 {
	v &= mask12
	if v&signBit != 0 {
		v |= ^uint16(mask12)
	}
	return int16(v)
}

// Pack12 returns the 12-bit two's-complement encoding of v, saturated to
// MinRaw..MaxRaw.
func Pack12(v int16) uint16 {
	v = clampRaw(v)
	if v >= 0 {
		return uint16(v)
	}
	return ((uint16(-v) ^ mask12) + 1) & mask12
}

func clampRaw(v int16) int16 {
	if v < MinRaw {
		return MinRaw
	}
	if v > MaxRaw {
		return MaxRaw
	}
	return v
}

// Normalize maps a raw sample to the -1.0..1.0 range.
func Normalize(r Raw) Sample {
	return Sample{I: float32(r.I) / Scale, Q: float32(r.Q) / Scale}
}

// Quantize maps a normalized sample to the raw range. Values are scaled by
// 2048, truncated toward zero and saturated; NaN becomes 0.
func Quantize(s Sample) Raw {
	return Raw{I: quantize(s.I), Q: quantize(s.Q)}
}

func quantize(v float32) int16 {
	f := float64(v) * Scale
	switch {
	case math.IsNaN(f):
		return 0
	case f <= MinRaw:
		return MinRaw
	case f >= MaxRaw:
		return MaxRaw
	}
	return int16(f)
}

// Decode unpacks whole samples from src into dst and returns the number of
// samples written. Decoding stops at the shorter of dst and src; trailing
// bytes that do not form a full sample are ignored.
func Decode(dst []Raw, src []byte) int {
	n := min(len(dst), len(src)/BytesPerSample)
	for i := 0; i < n; i++ {
		b := src[i*BytesPerSample:]
		dst[i].Q = SignExtend12(le.Uint16(b[0:2]))
		dst[i].I = SignExtend12(le.Uint16(b[2:4]))
	}
	return n
}

// Encode packs src into dst and returns the number of samples written.
func Encode(dst []byte, src []Raw) int {
	n := min(len(src), len(dst)/BytesPerSample)
	for i := 0; i < n; i++ {
		b := dst[i*BytesPerSample:]
		le.PutUint16(b[0:2], Pack12(src[i].Q))
		le.PutUint16(b[2:4], Pack12(src[i].I))
	}
	return n
}

// DecodeSamples is Decode followed by Normalize.
func DecodeSamples(dst []Sample, src []byte) int {
	n := min(len(dst), len(src)/BytesPerSample)
	for i := 0; i < n; i++ {
		b := src[i*BytesPerSample:]
		dst[i] = Normalize(Raw{
			Q: SignExtend12(le.Uint16(b[0:2])),
			I: SignExtend12(le.Uint16(b[2:4])),
		})
	}
	return n
}

// EncodeSamples is Quantize followed by Encode.
func EncodeSamples(dst []byte, src []Sample) int {
	n := min(len(src), len(dst)/BytesPerSample)
	for i := 0; i < n; i++ {
		r := Quantize(src[i])
		b := dst[i*BytesPerSample:]
		le.PutUint16(b[0:2], Pack12(r.Q))
		le.PutUint16(b[2:4], Pack12(r.I))
	}
	return n
}
