package sessionlock

import (
	"testing"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/events"
)

func newTestLock(t *testing.T) (*Lock, events.Subscriber) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()
	return New(broker), sub
}

func TestSetPINRejectsShortPIN(t *testing.T) {
	lock, _ := newTestLock(t)
	if err := lock.SetPIN("123"); err != ErrPINTooShort {
		t.Fatalf("got %v", err)
	}
}

func TestUnlockWithoutPINSet(t *testing.T) {
	lock, _ := newTestLock(t)
	if err := lock.Unlock("1234"); err != ErrNoPINSet {
		t.Fatalf("got %v", err)
	}
}

func TestUnlockWithCorrectPINClearsLock(t *testing.T) {
	lock, sub := newTestLock(t)
	if err := lock.SetPIN("1234"); err != nil {
		t.Fatalf("SetPIN: %v", err)
	}
	lock.Lock(ReasonManual)

	select {
	case evt := <-sub:
		if evt.Kind != events.KindSessionLocked {
			t.Fatalf("got %v", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for locked event")
	}

	if !lock.IsLocked() {
		t.Fatal("expected locked")
	}
	if err := lock.Unlock("1234"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if lock.IsLocked() {
		t.Fatal("expected unlocked")
	}
	if lock.FailedAttempts() != 0 {
		t.Fatalf("got %d failed attempts", lock.FailedAttempts())
	}
}

func TestUnlockWithWrongPINIncrementsAttempts(t *testing.T) {
	lock, _ := newTestLock(t)
	if err := lock.SetPIN("1234"); err != nil {
		t.Fatalf("SetPIN: %v", err)
	}
	if err := lock.Unlock("9999"); err != ErrIncorrectPIN {
		t.Fatalf("got %v", err)
	}
	if lock.FailedAttempts() != 1 {
		t.Fatalf("got %d", lock.FailedAttempts())
	}
}

func TestUnlockLocksOutAfterMaxAttempts(t *testing.T) {
	lock, _ := newTestLock(t)
	if err := lock.SetPIN("1234"); err != nil {
		t.Fatalf("SetPIN: %v", err)
	}

	var lastErr error
	for i := 0; i < MaxAttempts; i++ {
		lastErr = lock.Unlock("9999")
	}

	lockedOut, ok := lastErr.(*ErrLockedOut)
	if !ok {
		t.Fatalf("expected ErrLockedOut, got %v (%T)", lastErr, lastErr)
	}
	if lockedOut.Remaining != LockoutDuration {
		t.Fatalf("got %v", lockedOut.Remaining)
	}

	if err := lock.Unlock("1234"); err == nil {
		t.Fatal("expected unlock attempt to still be rejected during lockout")
	}
}

func TestIsLockedAutoUnlocksAfterLockoutExpires(t *testing.T) {
	lock, _ := newTestLock(t)
	if err := lock.SetPIN("1234"); err != nil {
		t.Fatalf("SetPIN: %v", err)
	}
	for i := 0; i < MaxAttempts; i++ {
		_ = lock.Unlock("9999")
	}
	if !lock.IsLocked() {
		t.Fatal("expected locked out")
	}

	// simulate the lockout having already expired
	lock.mu.Lock()
	lock.lockedAt = time.Now().Add(-LockoutDuration - time.Second)
	lock.mu.Unlock()

	if lock.IsLocked() {
		t.Fatal("expected auto-unlock after lockout expiry")
	}
	if lock.FailedAttempts() != 0 {
		t.Fatalf("expected attempts reset, got %d", lock.FailedAttempts())
	}
}
