package crdt

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTimestampCompare(t *testing.T) {
	a := Timestamp{Counter: 1, Actor: "a"}
	b := Timestamp{Counter: 2, Actor: "a"}
	if !a.Before(b) {
		t.Error("Expected (1,a) before (2,a)")
	}
	if !b.After(a) {
		t.Error("Expected (2,a) after (1,a)")
	}
}

func TestTimestampActorTiebreak(t *testing.T) {
	a := Timestamp{Counter: 5, Actor: "alice"}
	b := Timestamp{Counter: 5, Actor: "bob"}
	if !b.After(a) {
		t.Error("Expected equal counters to break ties by actor")
	}
	if a.Compare(a) != 0 {
		t.Error("Expected identical timestamps to compare equal")
	}
}

func TestClockTick(t *testing.T) {
	c := NewClock("node1", nil)
	t1 := c.Tick()
	t2 := c.Tick()
	if t1.Counter != 1 || t2.Counter != 2 {
		t.Errorf("Expected counters 1,2 got %d,%d", t1.Counter, t2.Counter)
	}
	if t1.Actor != "node1" {
		t.Errorf("Expected actor node1, got %s", t1.Actor)
	}
}

func TestClockWitnessAdvances(t *testing.T) {
	c := NewClock("node1", nil)
	c.Tick()
	c.Witness(Timestamp{Counter: 10, Actor: "node2"})
	next := c.Tick()
	if next.Counter <= 10 {
		t.Errorf("Expected counter past 10 after witness, got %d", next.Counter)
	}
}

func TestClockWitnessIgnoresOld(t *testing.T) {
	c := NewClock("node1", nil)
	for i := 0; i < 5; i++ {
		c.Tick()
	}
	c.Witness(Timestamp{Counter: 2, Actor: "node2"})
	if c.Counter() != 5 {
		t.Errorf("Expected counter unchanged at 5, got %d", c.Counter())
	}
}

func TestClockWitnessDriftJumpsAndWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := NewClock("node1", zap.New(core))
	c.Tick()

	far := Timestamp{Counter: driftLimit + 100, Actor: "node2"}
	c.Witness(far)
	if c.Counter() != far.Counter+1 {
		t.Errorf("Expected clock jumped to %d, got %d", far.Counter+1, c.Counter())
	}
	if logs.FilterMessage("clock drift: inbound timestamp far ahead of local clock").Len() != 1 {
		t.Error("Expected a drift warning")
	}

	// A witness within the limit stays quiet.
	c.Witness(Timestamp{Counter: c.Counter() + 10, Actor: "node2"})
	if logs.Len() != 1 {
		t.Errorf("Expected no further warnings, got %d entries", logs.Len())
	}
}

func TestClockReset(t *testing.T) {
	c := NewClock("node1", nil)
	c.Tick()
	c.Reset()
	if c.Counter() != 0 {
		t.Errorf("Expected counter 0 after reset, got %d", c.Counter())
	}
}
