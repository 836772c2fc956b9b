package engine

import (
	"github.com/roach88/quill/internal/changelog"
)

// Status is the lifecycle state of the sync machine.
type Status int

const (
	StatusLoading Status = iota
	StatusIdle
	StatusSending
	StatusFlushing
	StatusDisabled
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusIdle:
		return "idle"
	case StatusSending:
		return "sending"
	case StatusFlushing:
		return "flushing"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// State is the sync machine state. It is a value; Reduce never mutates
// its argument.
type State struct {
	Status Status

	// Pending are received changes not yet applied, in key order.
	Pending []changelog.ReceivedChange

	// HighestKey is the highest log key applied to the document.
	HighestKey int64

	// Attempts counts consecutive failed sends or fetches. It drives the
	// retry backoff and resets on success.
	Attempts int

	// RetryArmed is set while a retry timer is pending. No send starts
	// while it is set.
	RetryArmed bool

	// RetryGen identifies the current retry timer. Timers carrying an
	// older generation are ignored.
	RetryGen uint64
}

// Inputs are the facts outside the machine that a transition may read.
// The executor samples them immediately before each Reduce.
type Inputs struct {
	// HasUnsent reports unconfirmed local steps in the document.
	HasUnsent bool

	// ClientKey is the change log client's highest known key.
	ClientKey int64
}

// Action is an input event of the machine.
type Action interface{ action() }

// Connect reports a successful initial fetch.
type Connect struct{ Initial changelog.ReceivedChange }

// ConnectFailed reports a failed initial fetch.
type ConnectFailed struct{ Err error }

// Disable switches the machine off permanently.
type Disable struct{}

// ReceiveChange buffers a change delivered by the subscription.
type ReceiveChange struct{ Change changelog.ReceivedChange }

// StartSend signals that local edits may be ready to send.
type StartSend struct{}

// FinishSend reports the outcome of a Send command. Empty means there was
// nothing to send.
type FinishSend struct {
	Committed bool
	Err       error
	Empty     bool
}

// FinishFlush reports that the first Count pending changes were applied or
// dropped. HighestKey is the largest key they covered.
type FinishFlush struct {
	Count      int
	HighestKey int64
}

// RetryElapsed fires when the retry timer of generation Gen expires.
type RetryElapsed struct{ Gen uint64 }

func (Connect) action()       {}
func (ConnectFailed) action() {}
func (Disable) action()       {}
func (ReceiveChange) action() {}
func (StartSend) action()     {}
func (FinishSend) action()    {}
func (FinishFlush) action()   {}
func (RetryElapsed) action()  {}

// Command is a side effect requested by a transition.
type Command interface{ command() }

// Reconnect starts the initial fetch.
type Reconnect struct{ Attempt int }

// ApplyInitial applies the merged initial change to the document.
type ApplyInitial struct{ Change changelog.ReceivedChange }

// Subscribe opens the live change subscription.
type Subscribe struct{}

// Flush applies Changes to the document in order.
type Flush struct{ Changes []changelog.ReceivedChange }

// Send appends the document's unconfirmed steps.
type Send struct{}

// ScheduleRetry arms the retry timer for the given attempt.
type ScheduleRetry struct {
	Gen     uint64
	Attempt int
}

// AdvanceKey raises the client's highest known key.
type AdvanceKey struct{ Key int64 }

// NotifyStatus reports a status change.
type NotifyStatus struct{ Status Status }

// NotifyHighestKey reports a new highest applied key.
type NotifyHighestKey struct{ Key int64 }

func (Reconnect) command()        {}
func (ApplyInitial) command()     {}
func (Subscribe) command()        {}
func (Flush) command()            {}
func (Send) command()             {}
func (ScheduleRetry) command()    {}
func (AdvanceKey) command()       {}
func (NotifyStatus) command()     {}
func (NotifyHighestKey) command() {}

// Reduce is the transition function of the machine.
func Reduce(s State, a Action, in Inputs) (State, []Command) {
	prev := s
	s.Pending = append([]changelog.ReceivedChange(nil), s.Pending...)
	next, effects := reduce(s, a, in)

	// Notifications come first: Flush and Send may complete synchronously
	// and notify a later status.
	var cmds []Command
	if next.Status != prev.Status {
		cmds = append(cmds, NotifyStatus{Status: next.Status})
	}
	if next.HighestKey != prev.HighestKey {
		cmds = append(cmds, NotifyHighestKey{Key: next.HighestKey})
	}
	return next, append(cmds, effects...)
}

func reduce(s State, a Action, in Inputs) (State, []Command) {
	if s.Status == StatusDisabled {
		return s, nil
	}

	switch a := a.(type) {
	case Disable:
		s.Status = StatusDisabled
		s.Pending = nil
		s.RetryArmed = false
		return s, nil

	case Connect:
		if s.Status != StatusLoading {
			return s, nil
		}
		s.Status = StatusIdle
		s.Attempts = 0
		s.RetryArmed = false
		s.HighestKey = max(s.HighestKey, a.Initial.HighestKey)
		cmds := []Command{ApplyInitial{Change: a.Initial}, Subscribe{}, AdvanceKey{Key: s.HighestKey}}
		return evaluateIdle(s, in, cmds)

	case ConnectFailed:
		if s.Status != StatusLoading {
			return s, nil
		}
		return armRetry(s, nil)

	case ReceiveChange:
		s.Pending = append(s.Pending, a.Change)
		if s.Status == StatusIdle {
			return evaluateIdle(s, in, nil)
		}
		return s, nil

	case StartSend:
		if s.Status == StatusIdle {
			return evaluateIdle(s, in, nil)
		}
		return s, nil

	case FinishSend:
		if s.Status != StatusSending {
			return s, nil
		}
		s.Status = StatusIdle
		var cmds []Command
		switch {
		case a.Empty:
		case a.Committed:
			s.Attempts = 0
		default:
			s, cmds = armRetry(s, nil)
		}
		return evaluateIdle(s, in, cmds)

	case FinishFlush:
		if s.Status != StatusFlushing {
			return s, nil
		}
		n := min(max(a.Count, 0), len(s.Pending))
		s.Pending = s.Pending[n:]
		if len(s.Pending) == 0 {
			s.Pending = nil
		}
		s.Status = StatusIdle
		var cmds []Command
		if a.HighestKey > s.HighestKey {
			s.HighestKey = a.HighestKey
			cmds = append(cmds, AdvanceKey{Key: s.HighestKey})
		}
		if s.RetryArmed {
			// New changes were applied; the pending retry is stale.
			s.RetryArmed = false
			s.RetryGen++
		}
		return evaluateIdle(s, in, cmds)

	case RetryElapsed:
		if !s.RetryArmed || a.Gen != s.RetryGen {
			return s, nil
		}
		s.RetryArmed = false
		switch s.Status {
		case StatusLoading:
			return s, []Command{Reconnect{Attempt: s.Attempts}}
		case StatusIdle:
			return evaluateIdle(s, in, nil)
		}
		return s, nil
	}
	return s, nil
}

// evaluateIdle runs the on-entry logic of Idle: flush buffered changes
// first, otherwise send local steps when allowed.
func evaluateIdle(s State, in Inputs, cmds []Command) (State, []Command) {
	if s.Status != StatusIdle {
		return s, cmds
	}
	if len(s.Pending) > 0 {
		s.Status = StatusFlushing
		changes := append([]changelog.ReceivedChange(nil), s.Pending...)
		return s, append(cmds, Flush{Changes: changes})
	}
	if in.HasUnsent && !s.RetryArmed && s.HighestKey >= in.ClientKey {
		s.Status = StatusSending
		return s, append(cmds, Send{})
	}
	return s, cmds
}

func armRetry(s State, cmds []Command) (State, []Command) {
	s.Attempts++
	s.RetryGen++
	s.RetryArmed = true
	return s, append(cmds, ScheduleRetry{Gen: s.RetryGen, Attempt: s.Attempts})
}
