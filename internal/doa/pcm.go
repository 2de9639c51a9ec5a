package doa

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedPCM is returned when a PCM buffer is not a whole number of
// stereo frames.
var ErrMalformedPCM = errors.New("malformed PCM buffer")

const stereoFrameBytes = 8 // two float32 samples

// DeinterleaveFloat32LE splits interleaved stereo float32 little-endian PCM
// (L0 R0 L1 R1 ...) into left and right channels.
func DeinterleaveFloat32LE(buf []byte) (left, right []float64, err error) {
	if len(buf) == 0 {
		return nil, nil, ErrEmptyInput
	}
	if len(buf)%stereoFrameBytes != 0 {
		return nil, nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedPCM, len(buf), stereoFrameBytes)
	}

	frames := len(buf) / stereoFrameBytes
	left = make([]float64, frames)
	right = make([]float64, frames)
	for i := 0; i < frames; i++ {
		off := i * stereoFrameBytes
		left[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
		right[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4:])))
	}
	return left, right, nil
}

// DecodeFloat32LE decodes a mono float32 little-endian channel.
func DecodeFloat32LE(buf []byte) ([]float64, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 4", ErrMalformedPCM, len(buf))
	}
	out := make([]float64, len(buf)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
	}
	return out, nil
}
