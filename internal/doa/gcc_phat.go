// Package doa estimates a sound source's horizontal bearing from a stereo
// microphone pair using the generalized cross-correlation with phase
// transform (GCC-PHAT).
//
// The bearing follows the fusion convention: zero is device-forward and a
// positive angle means the source is towards +X (the right microphone hears
// it first).
package doa

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/craigm26/LiveCaptionsXR/internal/config"
)

var (
	ErrEmptyInput    = errors.New("empty audio input")
	ErrInvalidParams = errors.New("invalid direction-of-arrival parameters")
	// ErrNoSignal is returned when every cross-spectrum bin is below the
	// PHAT floor, e.g. for digital silence.
	ErrNoSignal = errors.New("no correlated signal")
)

// phatFloor is the cross-spectrum magnitude below which a bin is dropped
// instead of normalized.
const phatFloor = 1e-8

// Params describes the microphone geometry and capture rate.
type Params struct {
	MicDistance float64 `json:"mic_distance"` // Metres between the two microphones
	SoundSpeed  float64 `json:"sound_speed"`  // Metres per second
	SampleRate  float64 `json:"sample_rate"`  // Hz
}

// DefaultParams returns the built-in geometry for a phone-sized mic pair.
func DefaultParams() Params {
	return ParamsFromTuning(config.DefaultTuningConfig())
}

// ParamsFromTuning builds Params from a loaded TuningConfig.
func ParamsFromTuning(cfg *config.TuningConfig) Params {
	return Params{
		MicDistance: cfg.GetMicDistanceMeters(),
		SoundSpeed:  cfg.GetSoundSpeedMps(),
		SampleRate:  cfg.GetSampleRateHz(),
	}
}

// Validate checks that every parameter is finite and positive.
func (p Params) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"mic_distance", p.MicDistance},
		{"sound_speed", p.SoundSpeed},
		{"sample_rate", p.SampleRate},
	} {
		if !(f.v > 0) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidParams, f.name, f.v)
		}
	}
	return nil
}

// MaxLag is the largest physically possible inter-microphone delay in
// samples, rounded up.
func (p Params) MaxLag() int {
	return int(math.Ceil(p.MicDistance / p.SoundSpeed * p.SampleRate))
}

// Result is a bearing estimate.
type Result struct {
	Angle      float64 `json:"angle"`      // Radians in [-π/2, π/2]
	Confidence float64 `json:"confidence"` // Normalized correlation peak in [0, 1]
	Lag        int     `json:"lag"`        // Samples by which the left channel trails the right
	Delay      float64 `json:"delay"`      // Lag in seconds
}

// Estimate runs GCC-PHAT over the common prefix of left and right.
func Estimate(left, right []float64, p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	n := min(len(left), len(right))
	if n == 0 {
		return Result{}, ErrEmptyInput
	}
	for i := 0; i < n; i++ {
		if math.IsNaN(left[i]) || math.IsInf(left[i], 0) || math.IsNaN(right[i]) || math.IsInf(right[i], 0) {
			return Result{}, fmt.Errorf("%w: non-finite sample at %d", ErrEmptyInput, i)
		}
	}

	// Pad to at least 2n so the circular correlation does not alias.
	size := nextPow2(2 * n)
	fft := fourier.NewFFT(size)

	l := make([]float64, size)
	r := make([]float64, size)
	copy(l, left[:n])
	copy(r, right[:n])
	L := fft.Coefficients(nil, l)
	R := fft.Coefficients(nil, r)

	// PHAT-weighted cross spectrum. Only the non-negative half is stored;
	// every interior bin stands for itself and its conjugate mirror.
	cross := make([]complex128, len(L))
	var bins float64
	for k := range L {
		c := L[k] * cmplx.Conj(R[k])
		mag := cmplx.Abs(c)
		if mag <= phatFloor {
			continue
		}
		cross[k] = c / complex(mag, 0)
		if k == 0 || k == len(L)-1 {
			bins++
		} else {
			bins += 2
		}
	}
	if bins == 0 {
		return Result{}, ErrNoSignal
	}

	// Sequence is unnormalized, so a perfectly aligned spectrum peaks at
	// exactly the number of contributing bins.
	corr := fft.Sequence(nil, cross)

	maxLag := min(p.MaxLag(), size/2)
	bestLag := 0
	best := math.Inf(-1)
	for lag := -maxLag; lag <= maxLag; lag++ {
		idx := lag
		if idx < 0 {
			idx += size
		}
		if corr[idx] > best {
			best = corr[idx]
			bestLag = lag
		}
	}

	delay := float64(bestLag) / p.SampleRate
	ratio := delay * p.SoundSpeed / p.MicDistance
	ratio = math.Max(-1, math.Min(1, ratio))

	return Result{
		Angle:      math.Asin(ratio),
		Confidence: math.Max(0, math.Min(1, best/bins)),
		Lag:        bestLag,
		Delay:      delay,
	}, nil
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
