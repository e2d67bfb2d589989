// Package clock provides the engine's time source and ID generation. Both are
// injectable so tests and deterministic runs get reproducible behavior.
package clock

import (
	"crypto/rand"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Clock is the minimal time source components depend on.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time                  { return time.Now().UTC() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock starting at t.
func NewFake(t time.Time) *Fake { return &Fake{now: t} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration { return f.Now().Sub(t) }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// IDSource mints ULID session ids. With a deterministic seed the entropy
// stream is a seeded PRNG, so identical runs produce identical id sequences;
// otherwise entropy is crypto-rand backed.
type IDSource struct {
	mu      sync.Mutex
	clock   Clock
	entropy *ulid.MonotonicEntropy
}

// NewIDSource creates an IDSource with crypto-rand entropy.
func NewIDSource(c Clock) *IDSource {
	return &IDSource{
		clock:   c,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewSeededIDSource creates an IDSource whose entropy is a PRNG seeded with
// seed. Timestamps are still taken from c, so full determinism also needs a
// Fake clock.
func NewSeededIDSource(c Clock, seed int64) *IDSource {
	return &IDSource{
		clock:   c,
		entropy: ulid.Monotonic(mrand.New(mrand.NewSource(seed)), math.MaxUint32),
	}
}

// NewID returns the next ULID string.
func (s *IDSource) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.clock.Now()), s.entropy).String()
}
