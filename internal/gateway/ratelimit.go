package gateway

import (
	"sync"
	"time"
)

// rateWindow is the sliding admission window.
const rateWindow = time.Minute

// SlidingLimiter admits requests against a global and a per-user sliding
// 60-second window. One mutex guards both; admission is O(1) amortized.
type SlidingLimiter struct {
	mu          sync.Mutex
	globalLimit int
	userLimit   int
	global      []time.Time
	users       map[int64][]time.Time

	now func() time.Time
}

// NewSlidingLimiter creates a limiter from requests-per-minute caps.
// A non-positive cap disables that window.
func NewSlidingLimiter(globalRPM, userRPM int) *SlidingLimiter {
	return &SlidingLimiter{
		globalLimit: globalRPM,
		userLimit:   userRPM,
		users:       make(map[int64][]time.Time),
		now:         time.Now,
	}
}

// Allow admits or rejects one request for the user. Admitted requests are
// recorded in both windows.
func (l *SlidingLimiter) Allow(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-rateWindow)

	l.global = pruneBefore(l.global, cutoff)
	user := pruneBefore(l.users[userID], cutoff)

	if l.globalLimit > 0 && len(l.global) >= l.globalLimit {
		l.users[userID] = user
		return false
	}
	if l.userLimit > 0 && len(user) >= l.userLimit {
		l.users[userID] = user
		return false
	}

	l.global = append(l.global, now)
	l.users[userID] = append(user, now)
	return true
}

// EvictIdle drops per-user windows with no entries inside the window.
// Callers run it periodically to bound memory across many user ids.
func (l *SlidingLimiter) EvictIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-rateWindow)
	evicted := 0
	for id, stamps := range l.users {
		if pruned := pruneBefore(stamps, cutoff); len(pruned) == 0 {
			delete(l.users, id)
			evicted++
		} else {
			l.users[id] = pruned
		}
	}
	return evicted
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
