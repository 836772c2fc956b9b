package editor

import (
	"fmt"

	"github.com/roach88/quill/internal/step"
)

// Sendable is the batch of local steps ready to be appended to the log.
type Sendable struct {
	Version  int
	Steps    []step.Step
	ClientID string
}

// SendableSteps returns the unconfirmed local steps, or nil when there are
// none.
func SendableSteps(st *State) *Sendable {
	if len(st.Collab.Unconfirmed) == 0 {
		return nil
	}
	steps := make([]step.Step, len(st.Collab.Unconfirmed))
	copy(steps, st.Collab.Unconfirmed)
	return &Sendable{
		Version:  st.Collab.Version,
		Steps:    steps,
		ClientID: st.Collab.ClientID,
	}
}

// ReceiveTransaction builds the transaction that applies confirmed steps
// from the log to st.
//
// Leading steps authored by st's client confirm the matching unconfirmed
// local steps. The remaining steps are applied to the confirmed document
// and the still unconfirmed local steps are rebased on top of them. A
// local step that no longer applies after rebasing is dropped.
//
// An error means a confirmed step could not be applied; st is unaffected.
func ReceiveTransaction(st *State, steps []step.Step, clientIDs []string) (*Transaction, error) {
	if len(steps) != len(clientIDs) {
		return nil, fmt.Errorf("receive %d steps with %d client ids: %w", len(steps), len(clientIDs), ErrMismatchedClientIDs)
	}

	c := st.Collab
	ours := 0
	for ours < len(clientIDs) && ours < len(c.Unconfirmed) && clientIDs[ours] == c.ClientID {
		ours++
	}

	confirmed := c.Confirmed
	for i, s := range steps[:ours] {
		next, err := s.Apply(confirmed)
		if err != nil {
			return nil, fmt.Errorf("apply own step %d: %w", i, err)
		}
		confirmed = next
	}

	unconfirmed := c.Unconfirmed[ours:]
	remote := steps[ours:]

	tr := st.Tr()
	tr.SetMeta(MetaCollab, true)
	tr.SetMeta(MetaAddToHistory, false)

	if len(remote) == 0 {
		rest := make([]step.Step, len(unconfirmed))
		copy(rest, unconfirmed)
		tr.collab = &CollabState{
			ClientID:    c.ClientID,
			Version:     c.Version + len(steps),
			Confirmed:   confirmed,
			Unconfirmed: rest,
		}
		return tr, nil
	}

	// Undo the unconfirmed steps, newest first.
	for i := len(unconfirmed) - 1; i >= 0; i-- {
		tr.Mapping.AppendMap(unconfirmed[i].Map().Invert())
	}

	remoteMapping := step.NewMapping()
	for i, s := range remote {
		next, err := s.Apply(confirmed)
		if err != nil {
			return nil, fmt.Errorf("apply remote step %d: %w", i, err)
		}
		confirmed = next
		remoteMapping.AppendMap(s.Map())
	}
	tr.Mapping.AppendMapping(remoteMapping)

	doc := confirmed
	rebased := make([]step.Step, 0, len(unconfirmed))
	for i, u := range unconfirmed {
		m := step.NewMapping()
		for j := i - 1; j >= 0; j-- {
			m.AppendMap(unconfirmed[j].Map().Invert())
		}
		m.AppendMapping(remoteMapping)
		for _, r := range rebased {
			m.AppendMap(r.Map())
		}

		mapped, ok := u.MapThrough(m)
		if !ok {
			continue
		}
		next, err := mapped.Apply(doc)
		if err != nil {
			continue
		}
		doc = next
		rebased = append(rebased, mapped)
		tr.Mapping.AppendMap(mapped.Map())
	}

	tr.Doc = doc
	tr.collab = &CollabState{
		ClientID:    c.ClientID,
		Version:     c.Version + len(steps),
		Confirmed:   confirmed,
		Unconfirmed: rebased,
	}
	return tr, nil
}
