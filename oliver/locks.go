package oliver

import (
	"log/slog"
	"sync"
	"time"
)

// userLockMap serializes request handling per user id with a real mutex,
// so two near-simultaneous messages from the same user can't interleave
// their history mutations. Locks are in-process only and live for the
// process lifetime (the user population is single-digit).
type userLockMap struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex

	// warnAfter logs a warning when acquiring a user's lock takes longer
	// than this (a second request from the same user is waiting on the
	// first)
	warnAfter time.Duration
	logger    *slog.Logger
}

func newUserLockMap(warnAfter time.Duration, logger *slog.Logger) *userLockMap {
	if logger == nil {
		logger = slog.Default()
	}
	return &userLockMap{
		locks:     map[string]*sync.Mutex{},
		warnAfter: warnAfter,
		logger:    logger.With(loggerNameKey, "user_locks"),
	}
}

func (u *userLockMap) lockFor(userID string) *sync.Mutex {
	u.mu.Lock()
	defer u.mu.Unlock()

	l, ok := u.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		u.locks[userID] = l
	}
	return l
}

// Acquire blocks until the user's lock is held.
func (u *userLockMap) Acquire(userID string) {
	l := u.lockFor(userID)
	start := time.Now()
	l.Lock()
	if waited := time.Since(start); u.warnAfter > 0 && waited > u.warnAfter {
		u.logger.Warn(
			"slow lock acquisition",
			"user_id", userID,
			"waited", waited,
		)
	}
}

// Release unlocks the user's lock. Callers must ensure this runs on every
// exit path once Acquire has returned.
func (u *userLockMap) Release(userID string) {
	u.lockFor(userID).Unlock()
}
