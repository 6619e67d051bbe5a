package relay

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Rate policies for the transaction rate field
const (
	RatePolicyRandom   = "random"
	RatePolicyWindowed = "windowed"
)

// RateEstimator produces the transaction rate point estimate. Observe is
// called once per transaction envelope with its ingestion time.
type RateEstimator interface {
	Observe(t time.Time) float64
}

// NewRateEstimator builds the estimator for a configured policy
func NewRateEstimator(policy string, window time.Duration, rng *rand.Rand) (RateEstimator, error) {
	switch policy {
	case "", RatePolicyRandom:
		return NewRandomRate(rng), nil
	case RatePolicyWindowed:
		return NewWindowedRate(window), nil
	default:
		return nil, fmt.Errorf("unknown rate policy %q", policy)
	}
}

// RandomRate draws a fresh value in [5, 15) on every observation. It is a
// placeholder that keeps the dashboard gauge moving without a real window.
type RandomRate struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomRate creates a random rate estimator. A nil rng uses a randomly
// seeded source.
func NewRandomRate(rng *rand.Rand) *RandomRate {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &RandomRate{rng: rng}
}

// Observe returns a new random estimate
func (r *RandomRate) Observe(time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()*10 + 5
}

// WindowedRate reports transactions per second over a sliding window
type WindowedRate struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
}

// NewWindowedRate creates a sliding-window estimator. Non-positive windows
// default to ten seconds.
func NewWindowedRate(window time.Duration) *WindowedRate {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &WindowedRate{window: window}
}

// Observe records t and returns the number of observations inside the
// window ending at t, per second
func (w *WindowedRate) Observe(t time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.times = append(w.times, t)

	cutoff := t.Add(-w.window)
	keep := 0
	for keep < len(w.times) && !w.times[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.times = append(w.times[:0], w.times[keep:]...)
	}

	return float64(len(w.times)) / w.window.Seconds()
}
