package editor

import (
	"sync"

	"github.com/roach88/quill/internal/step"
)

// Listener observes every applied transaction. Listeners run synchronously
// inside Dispatch while the editor lock is held, so they must not dispatch.
type Listener interface {
	Apply(tr *Transaction, prev, next *State)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(tr *Transaction, prev, next *State)

// Apply implements Listener.
func (f ListenerFunc) Apply(tr *Transaction, prev, next *State) { f(tr, prev, next) }

// Editor owns the current state and serialises updates to it.
//
// Thread-safety: every method is safe for concurrent use.
type Editor struct {
	mu        sync.Mutex
	state     *State
	listeners []Listener
}

// New returns an editor starting at st.
func New(st *State) *Editor {
	return &Editor{state: st}
}

// State returns the current state.
func (e *Editor) State() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AddListener registers l for every later transaction.
func (e *Editor) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Dispatch applies tr to the current state.
func (e *Editor) Dispatch(tr *Transaction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatchLocked(tr)
}

// Update builds a transaction against the current state and dispatches it
// atomically. A nil transaction from build is a no-op.
func (e *Editor) Update(build func(st *State) (*Transaction, error)) (*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, err := build(e.state)
	if err != nil || tr == nil {
		return nil, err
	}
	if err := e.dispatchLocked(tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// Receive applies confirmed steps from the change log.
func (e *Editor) Receive(steps []step.Step, clientIDs []string) error {
	_, err := e.Update(func(st *State) (*Transaction, error) {
		return ReceiveTransaction(st, steps, clientIDs)
	})
	return err
}

// Sendable returns the unconfirmed local steps of the current state.
func (e *Editor) Sendable() *Sendable {
	return SendableSteps(e.State())
}

// Text returns the current document text.
func (e *Editor) Text() string {
	return string(e.State().Doc)
}

// Confirmed returns the document as last confirmed by the change log.
func (e *Editor) Confirmed() string {
	return string(e.State().Collab.Confirmed)
}

func (e *Editor) dispatchLocked(tr *Transaction) error {
	prev := e.state
	next, err := prev.Apply(tr)
	if err != nil {
		return err
	}
	e.state = next
	for _, l := range e.listeners {
		l.Apply(tr, prev, next)
	}
	return nil
}
