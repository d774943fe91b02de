package worker

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// circuitState mirrors internal/ratelimit/limiter.go's breaker states,
// applied here to a single device's reconnect attempts rather than a
// per-domain HTTP rate shard.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// Backoff tracks reconnect pacing for one Device Worker: jittered
// exponential delay while retrying, and a circuit breaker that stops
// hammering a device that keeps failing to connect.
type Backoff struct {
	mu sync.Mutex

	base    time.Duration
	max     time.Duration
	clock   Clock
	rand    *rand.Rand

	attempt     int
	state       circuitState
	nextAttempt time.Time
	failures    int
}

func NewBackoff(base, max time.Duration, clock Clock) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Backoff{
		base:  base,
		max:   max,
		clock: clock,
		rand:  rand.New(rand.NewSource(1)),
	}
}

// NextDelay returns how long to wait before the next reconnect attempt,
// or (0, false) if the circuit is open and no attempt should be made yet.
func (b *Backoff) NextDelay() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	if b.state == circuitOpen {
		if now.Before(b.nextAttempt) {
			return 0, false
		}
		b.state = circuitHalfOpen
	}
	b.attempt++
	delay := b.base * time.Duration(math.Pow(2, float64(b.attempt-1)))
	if delay > b.max || delay <= 0 {
		delay = b.max
	}
	jittered := time.Duration(b.rand.Float64() * float64(delay))
	if jittered <= 0 {
		jittered = delay
	}
	return jittered, true
}

// Success resets the breaker to closed after a connection succeeds.
func (b *Backoff) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
	b.failures = 0
	b.state = circuitClosed
}

// Failure records a failed connect attempt and opens the circuit once the
// consecutive-failure threshold is crossed, matching the adaptive rate
// limiter's "5 failures -> open for 5s" heuristic.
func (b *Backoff) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == circuitHalfOpen {
		b.state = circuitOpen
		b.nextAttempt = b.clock.Now().Add(b.max)
		return
	}
	if b.failures >= 5 {
		b.state = circuitOpen
		b.nextAttempt = b.clock.Now().Add(5 * time.Second)
	}
}

func (b *Backoff) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == circuitOpen && b.clock.Now().Before(b.nextAttempt)
}
