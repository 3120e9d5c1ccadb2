// Package backoff paces reconnect attempts after transient failures.
package backoff

import (
	"math"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

const (
	DefaultInitial = time.Second
	DefaultMax     = 30 * time.Second
	DefaultReset   = 10 * time.Second
)

type Options struct {
	Initial time.Duration
	Max     time.Duration
	// Reset is how long an attempt must have lasted for the next failure to start over at Initial.
	Reset time.Duration
	Clock clock.PassiveClock
}

func (o Options) withDefaults() Options {
	if o.Initial <= 0 {
		o.Initial = DefaultInitial
	}
	if o.Max <= 0 {
		o.Max = DefaultMax
	}
	if o.Max < o.Initial {
		o.Max = o.Initial
	}
	if o.Reset <= 0 {
		o.Reset = DefaultReset
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return o
}

// Backoff doubles the delay on every failure up to Max. Each instance belongs to a single retry loop.
type Backoff struct {
	opts Options

	mu   sync.Mutex
	step wait.Backoff
	// attemptStart is when the caller resumed after the last returned delay.
	attemptStart time.Time
	failures     int
}

func New(opts Options) *Backoff {
	opts = opts.withDefaults()
	return &Backoff{opts: opts, step: opts.steps()}
}

func (o Options) steps() wait.Backoff {
	return wait.Backoff{
		Duration: o.Initial,
		Factor:   2,
		Cap:      o.Max,
		Steps:    math.MaxInt32,
	}
}

// Next returns the delay to sleep before the next attempt. Call it once per failure.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Clock.Now()
	if !b.attemptStart.IsZero() && now.Sub(b.attemptStart) > b.opts.Reset {
		b.step = b.opts.steps()
		b.failures = 0
	}

	delay := b.step.Step()
	b.attemptStart = now.Add(delay)
	b.failures++
	return delay
}

// Reset makes the next call return Initial.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.step = b.opts.steps()
	b.attemptStart = time.Time{}
	b.failures = 0
}

// Failures counts the failures since the last reset.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
