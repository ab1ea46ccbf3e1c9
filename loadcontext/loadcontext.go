// Package loadcontext implements the suspend/resume rendezvous between the
// control thread and the replay thread (spec.md sections 4.1, 4.2, 5, and
// Design Note "Coroutine-style suspend"). It is a small mutex+condition
// variable state machine; the replay loop polls it once per chapter. No
// hidden control flow.
package loadcontext

import "sync"

// State is the LoadContext state machine's current phase.
type State int

const (
	// Opening is the state while make_index/load/rebuild is running.
	Opening State = iota
	// Ready is published once the index is usable (even on a failed
	// load, so a suspender blocked in Suspend does not hang forever).
	Ready
	// Suspending is requested by a caller wanting replay to pause.
	Suspending
	// Suspended is published by the replay thread once it has observed
	// Suspending at a chapter boundary.
	Suspended
	// Freeing is requested when the index is being torn down; replay
	// must abort with ErrShuttingDown.
	Freeing
)

func (s State) String() string {
	switch s {
	case Opening:
		return "OPENING"
	case Ready:
		return "READY"
	case Suspending:
		return "SUSPENDING"
	case Suspended:
		return "SUSPENDED"
	case Freeing:
		return "FREEING"
	default:
		return "UNKNOWN"
	}
}

// LoadContext is a scoped rendezvous object. Its mutex/condition pair must
// outlive every replay iteration that might reference it.
type LoadContext struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State
}

// New returns a LoadContext in the OPENING state.
func New() *LoadContext {
	lc := &LoadContext{state: Opening}
	lc.cond = sync.NewCond(&lc.mu)
	return lc
}

// SetState transitions the state machine and broadcasts to any waiters.
// Used by make_index to publish READY (or the failure path's terminal
// state) and by a caller requesting SUSPENDING/FREEING.
func (lc *LoadContext) SetState(s State) {
	lc.mu.Lock()
	lc.state = s
	lc.cond.Broadcast()
	lc.mu.Unlock()
}

// State returns the current state.
func (lc *LoadContext) State() State {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}

// WaitForState blocks until the state machine reaches one of the given
// states, returning the one it observed.
func (lc *LoadContext) WaitForState(states ...State) State {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for {
		for _, s := range states {
			if lc.state == s {
				return lc.state
			}
		}
		lc.cond.Wait()
	}
}

// CheckForSuspend is the cooperative yield point called by replay once per
// chapter. If the state is SUSPENDING, it publishes SUSPENDED and blocks
// until the caller transitions to OPENING (resume) or FREEING (cancel).
// It returns true when replay must abort (FREEING observed).
func (lc *LoadContext) CheckForSuspend() (shouldAbort bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.state != Suspending {
		return false
	}

	lc.state = Suspended
	lc.cond.Broadcast()

	for lc.state != Opening && lc.state != Freeing {
		lc.cond.Wait()
	}

	return lc.state == Freeing
}

// Suspend requests that replay pause at the next chapter boundary and
// blocks until it has (or until replay was never running / already
// finished, signaled by the context reaching READY or FREEING on its
// own). Returns the state observed.
func (lc *LoadContext) Suspend() State {
	lc.SetState(Suspending)
	return lc.WaitForState(Suspended, Ready, Freeing)
}

// Resume transitions a SUSPENDED context back to OPENING so replay
// continues from the chapter it paused at.
func (lc *LoadContext) Resume() {
	lc.SetState(Opening)
}
