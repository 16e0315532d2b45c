package crdt

import (
	"fmt"

	"go.uber.org/zap"
)

// Timestamp is a Lamport timestamp: a counter paired with the actor that
// produced it. Comparison is counter-major with a lexicographic actor
// tiebreak, which gives a total order across replicas.
type Timestamp struct {
	Counter uint64 `json:"c"`
	Actor   string `json:"a"`
}

// Compare returns -1, 0 or 1.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Counter < o.Counter:
		return -1
	case t.Counter > o.Counter:
		return 1
	case t.Actor < o.Actor:
		return -1
	case t.Actor > o.Actor:
		return 1
	}
	return 0
}

// After returns true if t is strictly newer than o.
func (t Timestamp) After(o Timestamp) bool { return t.Compare(o) > 0 }

// Before returns true if t is strictly older than o.
func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }

// IsZero reports whether t is the zero timestamp (no write recorded).
func (t Timestamp) IsZero() bool { return t.Counter == 0 && t.Actor == "" }

func (t Timestamp) String() string {
	return fmt.Sprintf("(%d,%s)", t.Counter, t.Actor)
}

// driftLimit is how far ahead of the local counter an inbound timestamp may
// be before we consider the sender's clock absurd. The local clock still
// jumps forward (convergence is unaffected), but a warning is logged.
const driftLimit = 1_000_000

// Clock is the document's Lamport clock. It is owned by a single goroutine
// (the client event loop or the room actor) and is not safe for concurrent
// use.
type Clock struct {
	counter uint64
	actor   string
	log     *zap.Logger
}

// NewClock returns a clock for the given actor id.
func NewClock(actor string, logger *zap.Logger) *Clock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Clock{actor: actor, log: logger}
}

// Actor returns the local actor id.
func (c *Clock) Actor() string { return c.actor }

// Counter returns the current counter value.
func (c *Clock) Counter() uint64 { return c.counter }

// Tick advances the clock and returns a fresh timestamp for a local op.
func (c *Clock) Tick() Timestamp {
	c.counter++
	return Timestamp{Counter: c.counter, Actor: c.actor}
}

// Witness advances the clock past a remotely observed timestamp so that the
// next local timestamp dominates it.
func (c *Clock) Witness(ts Timestamp) {
	if ts.Counter < c.counter {
		return
	}
	if ts.Counter > c.counter+driftLimit {
		c.log.Warn("clock drift: inbound timestamp far ahead of local clock",
			zap.Uint64("local", c.counter),
			zap.Uint64("inbound", ts.Counter),
			zap.String("actor", ts.Actor))
	}
	c.counter = ts.Counter + 1
}

// Reset rewinds the clock, used when the whole document is replaced by a
// storage init.
func (c *Clock) Reset() { c.counter = 0 }
