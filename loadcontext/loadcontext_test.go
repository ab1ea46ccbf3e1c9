package loadcontext

import (
	"testing"
	"time"
)

func TestCheckForSuspendBlocksUntilResume(t *testing.T) {
	lc := New()
	lc.SetState(Ready)

	done := make(chan bool, 1)
	go func() {
		done <- lc.CheckForSuspend()
	}()

	state := lc.Suspend()
	if state != Suspended {
		t.Fatalf("expected Suspend to observe SUSPENDED, got %v", state)
	}

	lc.Resume()

	select {
	case abort := <-done:
		if abort {
			t.Fatalf("expected resume to continue replay, not abort")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for CheckForSuspend to return after Resume")
	}
}

func TestCheckForSuspendAbortsOnFreeing(t *testing.T) {
	lc := New()
	lc.SetState(Ready)

	done := make(chan bool, 1)
	go func() {
		done <- lc.CheckForSuspend()
	}()

	lc.Suspend()
	lc.SetState(Freeing)

	select {
	case abort := <-done:
		if !abort {
			t.Fatalf("expected FREEING to make CheckForSuspend report abort")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for CheckForSuspend to abort")
	}
}

func TestCheckForSuspendIsNoOpWhenNotSuspending(t *testing.T) {
	lc := New()
	lc.SetState(Ready)
	if lc.CheckForSuspend() {
		t.Fatalf("expected no-op when not suspending")
	}
}
