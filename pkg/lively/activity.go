package lively

import (
	"sync"
	"time"

	"github.com/livelykit/lively/pkg/protocol"
)

const (
	awayAfter    = 60 * time.Second
	offlineAfter = 300 * time.Second
	activityPoll = 5 * time.Second
)

// ActivityTracker classifies a member as online, away or offline from
// the time since the last input signal. The host feeds it input events
// via Signal; a UI layer wires pointer and keyboard activity, a headless
// host simply never starts it and stays online.
type ActivityTracker struct {
	mu       sync.Mutex
	last     time.Time
	status   protocol.OnlineStatus
	onChange func(status protocol.OnlineStatus, isIdle bool)
	stop     chan struct{}
	started  bool
}

// NewActivityTracker creates a tracker reporting status transitions to
// onChange. The initial status is online.
func NewActivityTracker(onChange func(status protocol.OnlineStatus, isIdle bool)) *ActivityTracker {
	return &ActivityTracker{
		last:     time.Now(),
		status:   protocol.StatusOnline,
		onChange: onChange,
	}
}

// Signal records an input event. Transitions back to online fire
// onChange immediately rather than waiting for the next poll.
func (a *ActivityTracker) Signal() {
	a.mu.Lock()
	a.last = time.Now()
	changed := a.status != protocol.StatusOnline
	a.status = protocol.StatusOnline
	fn := a.onChange
	a.mu.Unlock()
	if changed && fn != nil {
		fn(protocol.StatusOnline, false)
	}
}

// Status returns the current classification.
func (a *ActivityTracker) Status() protocol.OnlineStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Start begins polling. Stop must be called to release the goroutine.
func (a *ActivityTracker) Start() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.stop = make(chan struct{})
	stop := a.stop
	a.mu.Unlock()

	go func() {
		ticker := time.NewTicker(activityPoll)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.poll()
			}
		}
	}()
}

// Stop ends polling. The tracker can be restarted.
func (a *ActivityTracker) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	close(a.stop)
	a.mu.Unlock()
}

func (a *ActivityTracker) poll() {
	a.mu.Lock()
	idle := time.Since(a.last)
	next := protocol.StatusOnline
	switch {
	case idle >= offlineAfter:
		next = protocol.StatusOffline
	case idle >= awayAfter:
		next = protocol.StatusAway
	}
	changed := next != a.status
	a.status = next
	fn := a.onChange
	a.mu.Unlock()
	if changed && fn != nil {
		fn(next, next != protocol.StatusOnline)
	}
}

// TrackActivity wires a tracker to the room's presence: every status
// transition becomes a presence update. Returns the tracker, started.
func (r *Room) TrackActivity() *ActivityTracker {
	t := NewActivityTracker(func(status protocol.OnlineStatus, isIdle bool) {
		idle := isIdle
		r.UpdatePresence(PresencePatch{OnlineStatus: status, IsIdle: &idle})
	})
	t.Start()
	return t
}
