package realtime

import (
	"sync"
	"time"
)

// TypingExpiry is how long a typing signal stays visible without renewal.
const TypingExpiry = 3 * time.Second

// TypingTracker mirrors peers' typing broadcasts and expires them after a
// fixed silence window, matching the behavior of a presence indicator that
// clears itself when the peer stops sending keystrokes.
type TypingTracker struct {
	mu       sync.Mutex
	expiry   time.Duration
	timers   map[string]*time.Timer
	onExpire func(userID string)
}

// NewTypingTracker creates a tracker that invokes onExpire when a user's
// typing signal goes silent for the expiry window.
func NewTypingTracker(expiry time.Duration, onExpire func(userID string)) *TypingTracker {
	if expiry <= 0 {
		expiry = TypingExpiry
	}
	return &TypingTracker{
		expiry:   expiry,
		timers:   make(map[string]*time.Timer),
		onExpire: onExpire,
	}
}

// Observe records a typing event. A true signal (re)arms the expiry timer;
// a false signal clears the state immediately.
func (t *TypingTracker) Observe(userID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[userID]; ok {
		timer.Stop()
		delete(t.timers, userID)
	}
	if !isTyping {
		return
	}
	t.timers[userID] = time.AfterFunc(t.expiry, func() {
		t.mu.Lock()
		delete(t.timers, userID)
		t.mu.Unlock()
		if t.onExpire != nil {
			t.onExpire(userID)
		}
	})
}

// IsTyping reports whether a non-expired typing signal exists for userID.
func (t *TypingTracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[userID]
	return ok
}

// Stop cancels all outstanding timers.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
