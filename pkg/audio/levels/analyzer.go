// Package levels computes normalized [0,1] speech-energy levels for the
// user's microphone and the model's voice, published on a fixed interval.
// The meter is independent of any rendering layer: consumers register a
// callback and draw (or ignore) the values however they like.
package levels

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/parley-voice/parley/pkg/audio"
)

const (
	// fftSize is the analysis window: the most recent fftSize samples of the
	// stream are transformed per reading.
	fftSize = 1024

	// minDB and maxDB bound the per-bin magnitude in decibels before
	// normalization. Bins at or below minDB read 0, bins at or above maxDB
	// read 1.
	minDB = -100.0
	maxDB = -30.0

	// staleAfter is how long a window stays readable after the last write. A
	// live stream writes at least every few tens of milliseconds, so a window
	// older than this belongs to audio that has finished playing and reads 0.
	staleAfter = 250 * time.Millisecond
)

// Analyzer retains the most recent window of one PCM stream and computes its
// level on demand: the mean over frequency bins of the dB-scaled, normalized
// magnitude spectrum, hard-clamped to [0,1]. Silence reads exactly 0, and so
// does a window that has gone [staleAfter] without a write — the stream
// stopped, so nothing is sounding.
//
// Safe for concurrent use; Write and Level may race freely.
type Analyzer struct {
	mu        sync.Mutex
	fft       *fourier.FFT
	window    []float64
	coeffs    []complex128
	silent    bool
	lastWrite time.Time
}

// NewAnalyzer returns an Analyzer with an empty (silent) window.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		fft:    fourier.NewFFT(fftSize),
		window: make([]float64, fftSize),
		coeffs: make([]complex128, fftSize/2+1),
		silent: true,
	}
}

// Write feeds little-endian int16 mono PCM into the window. Only the most
// recent fftSize samples are retained.
func (a *Analyzer) Write(pcm []byte) {
	samples := audio.BytesToInt16s(pcm)
	if len(samples) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.silent = false
	a.lastWrite = time.Now()

	if len(samples) >= fftSize {
		tail := samples[len(samples)-fftSize:]
		for i, s := range tail {
			a.window[i] = float64(s) / 32768.0
		}
		return
	}
	keep := fftSize - len(samples)
	copy(a.window, a.window[fftSize-keep:])
	for i, s := range samples {
		a.window[keep+i] = float64(s) / 32768.0
	}
}

// Reset clears the window back to silence.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.window {
		a.window[i] = 0
	}
	a.silent = true
}

// Level computes the current level in [0,1].
func (a *Analyzer) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.silent || time.Since(a.lastWrite) >= staleAfter {
		return 0
	}

	coeffs := a.fft.Coefficients(a.coeffs, a.window)

	// Skip the DC bin; a constant offset is not speech energy.
	sum := 0.0
	for _, c := range coeffs[1:] {
		// Amplitude of the component relative to full scale.
		amp := 2 * math.Hypot(real(c), imag(c)) / fftSize

		db := minDB
		if amp > 0 {
			db = 20 * math.Log10(amp)
		}
		norm := (db - minDB) / (maxDB - minDB)
		if norm < 0 {
			norm = 0
		} else if norm > 1 {
			norm = 1
		}
		sum += norm
	}
	level := sum / float64(len(coeffs)-1)

	// The per-bin values are already clamped, but keep the output contract
	// independent of the math above.
	if level < 0 {
		return 0
	}
	if level > 1 {
		return 1
	}
	return level
}
