// Package sessionlock implements the Local Session Lock: a
// PIN-gated lock on the running client session, independent of device
// identity or network state, with bcrypt-hashed PINs and a bounded-attempt
// lockout.
package sessionlock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/events"
	"github.com/adrian-moloca/dental-sub010/pkg/metrics"
	"github.com/adrian-moloca/dental-sub010/pkg/security"
)

// Reason names why the session is locked.
type Reason string

const (
	ReasonManual          Reason = "manual"
	ReasonInactivity      Reason = "inactivity"
	ReasonTooManyAttempts Reason = "too_many_attempts"
)

// MaxAttempts (R_max) is the failed-unlock threshold that triggers a
// lockout.
const MaxAttempts = 5

// LockoutDuration (L) is how long a too-many-attempts lockout lasts.
const LockoutDuration = 15 * time.Minute

// ErrPINTooShort is returned by SetPIN for a PIN under 4 characters.
var ErrPINTooShort = errors.New("sessionlock: pin must be at least 4 characters")

// ErrNoPINSet is returned by Unlock when no PIN has been configured yet.
var ErrNoPINSet = errors.New("sessionlock: no pin has been set")

// ErrLockedOut is returned by Unlock while a too-many-attempts lockout is
// still in effect; Remaining reports how much longer it lasts.
type ErrLockedOut struct {
	Remaining time.Duration
}

func (e *ErrLockedOut) Error() string {
	return fmt.Sprintf("sessionlock: locked out, retry in %s", e.Remaining.Round(time.Second))
}

// ErrIncorrectPIN is returned by Unlock on a bad PIN that did not trigger
// a fresh lockout.
var ErrIncorrectPIN = errors.New("sessionlock: incorrect pin")

// Lock is the Local Session Lock for one running client session.
type Lock struct {
	broker *events.Broker

	mu             sync.Mutex
	isLocked       bool
	failedAttempts int
	lockedAt       time.Time
	lockReason     Reason
	pinHash        string
}

// New constructs a Lock in the unlocked, no-PIN state.
func New(broker *events.Broker) *Lock {
	return &Lock{broker: broker}
}

// SetPIN hashes and stores pin, replacing any previous PIN. Requires a
// minimum length of 4.
func (l *Lock) SetPIN(pin string) error {
	if len(pin) < 4 {
		return ErrPINTooShort
	}
	hash, err := security.HashPIN(pin)
	if err != nil {
		return fmt.Errorf("sessionlock: failed to hash pin: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pinHash = hash
	return nil
}

// LoadPINHash restores a previously persisted bcrypt hash (e.g. from the
// Secret Store's SaveLocalPIN) without going through SetPIN's hashing
// step, so a PIN set in an earlier session still gates this one.
func (l *Lock) LoadPINHash(hash string) {
	l.mu.Lock()
	l.pinHash = hash
	l.mu.Unlock()
}

// PINHash returns the current bcrypt hash, for persistence by the caller.
func (l *Lock) PINHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pinHash
}

// Lock forces the locked state with the given reason.
func (l *Lock) Lock(reason Reason) {
	l.mu.Lock()
	l.isLocked = true
	l.lockReason = reason
	l.lockedAt = time.Now()
	l.mu.Unlock()
	l.broker.Publish(events.Event{Kind: events.KindSessionLocked, Payload: reason})
}

// Unlock verifies pin with a constant-time bcrypt comparison. On success
// it clears the lock state and resets the attempt counter. On failure it
// increments the attempt counter and, at MaxAttempts, transitions into a
// too-many-attempts lockout for LockoutDuration.
func (l *Lock) Unlock(pin string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isLockedOutLocked() {
		remaining := LockoutDuration - time.Since(l.lockedAt)
		return &ErrLockedOut{Remaining: remaining}
	}

	if l.pinHash == "" {
		return ErrNoPINSet
	}

	if security.VerifyPIN(l.pinHash, pin) {
		l.isLocked = false
		l.failedAttempts = 0
		l.lockReason = ""
		l.broker.Publish(events.Event{Kind: events.KindSessionUnlocked})
		return nil
	}

	l.failedAttempts++
	if l.failedAttempts >= MaxAttempts {
		l.isLocked = true
		l.lockReason = ReasonTooManyAttempts
		l.lockedAt = time.Now()
		metrics.SessionLockoutsTotal.Inc()
		l.broker.Publish(events.Event{Kind: events.KindSessionLocked, Payload: ReasonTooManyAttempts})
		return &ErrLockedOut{Remaining: LockoutDuration}
	}
	return ErrIncorrectPIN
}

// IsLocked reports whether the session is currently locked. A
// too-many-attempts lockout that has exceeded LockoutDuration auto-clears
// here, resetting the attempt counter before reporting unlocked.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lockReason == ReasonTooManyAttempts && time.Since(l.lockedAt) >= LockoutDuration {
		l.isLocked = false
		l.failedAttempts = 0
		l.lockReason = ""
		return false
	}
	return l.isLocked
}

func (l *Lock) isLockedOutLocked() bool {
	if l.lockReason != ReasonTooManyAttempts || !l.isLocked {
		return false
	}
	if time.Since(l.lockedAt) >= LockoutDuration {
		l.isLocked = false
		l.failedAttempts = 0
		l.lockReason = ""
		return false
	}
	return true
}

// FailedAttempts reports the current consecutive-failure count.
func (l *Lock) FailedAttempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failedAttempts
}
