package auth

import (
	"fmt"
	"time"
)

// LockedError reports that an account is locked and for how much longer.
type LockedError struct {
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked for another %s", e.Remaining.Round(time.Second))
}

// loginState tracks consecutive failures and the lockout expiry for one
// user. Access is guarded by the service mutex.
type loginState struct {
	Failures    int
	LastFailure time.Time
	LockedUntil time.Time
}

// locked returns the remaining lockout duration, zero when not locked.
// Once failures reach the threshold the lock holds until expiry
// regardless of subsequent correct attempts.
func (s *loginState) locked(now time.Time) time.Duration {
	if s.LockedUntil.After(now) {
		return s.LockedUntil.Sub(now)
	}
	return 0
}

// fail records one failed attempt and arms the lockout when the
// threshold is crossed. Returns true when this failure locked the account.
func (s *loginState) fail(now time.Time, threshold int, duration time.Duration) bool {
	s.Failures++
	s.LastFailure = now
	if s.Failures >= threshold && !s.LockedUntil.After(now) {
		s.LockedUntil = now.Add(duration)
		return true
	}
	return false
}

// reset clears the failure history after a successful login.
func (s *loginState) reset() {
	s.Failures = 0
	s.LockedUntil = time.Time{}
}
