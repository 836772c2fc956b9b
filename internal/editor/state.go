// Package editor is a minimal editing engine for plain-text documents with
// collaborative history.
//
// A State pairs the current document with its collab history: the document
// as last confirmed by the change log, and the local steps not yet
// confirmed. Transactions move a State forward; an Editor serialises
// dispatch and notifies listeners synchronously.
package editor

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/quill/internal/step"
)

var (
	// ErrStaleTransaction is returned when a transaction was built against
	// a different document than the state it is applied to.
	ErrStaleTransaction = errors.New("transaction built against a stale state")

	// ErrMismatchedClientIDs is returned when steps and client ids differ in length.
	ErrMismatchedClientIDs = errors.New("steps and client ids differ in length")
)

// Meta keys recognised by the editor and its users.
const (
	MetaHistory      = "history$"
	MetaPaste        = "paste"
	MetaUIEvent      = "uiEvent"
	MetaCollab       = "collab$"
	MetaAddToHistory = "addToHistory"
)

// CollabState is the collaborative history of a document.
type CollabState struct {
	// ClientID identifies the steps this replica authors.
	ClientID string

	// Version counts the steps confirmed by the change log.
	Version int

	// Confirmed is the document after the confirmed steps.
	Confirmed step.Doc

	// Unconfirmed are local steps applied on top of Confirmed, in order.
	Unconfirmed []step.Step
}

// State is an immutable editor state.
type State struct {
	Doc    step.Doc
	Collab CollabState
}

// NewState returns a state whose whole document is confirmed.
func NewState(doc step.Doc, clientID string) *State {
	return &State{
		Doc: doc,
		Collab: CollabState{
			ClientID:  clientID,
			Confirmed: doc,
		},
	}
}

// Tr starts an empty transaction against the state.
func (st *State) Tr() *Transaction {
	return &Transaction{
		Before:  st.Doc,
		Doc:     st.Doc,
		Mapping: step.NewMapping(),
		Meta:    make(map[string]any),
	}
}

// Apply returns the state that results from tr.
func (st *State) Apply(tr *Transaction) (*State, error) {
	if tr.Before != st.Doc {
		return nil, ErrStaleTransaction
	}
	next := &State{Doc: tr.Doc, Collab: st.Collab}
	switch {
	case tr.collab != nil:
		next.Collab = *tr.collab
	case len(tr.Steps) > 0:
		unconfirmed := make([]step.Step, 0, len(st.Collab.Unconfirmed)+len(tr.Steps))
		unconfirmed = append(unconfirmed, st.Collab.Unconfirmed...)
		unconfirmed = append(unconfirmed, tr.Steps...)
		next.Collab.Unconfirmed = unconfirmed
	}
	return next, nil
}

// Transaction is a batch of steps plus metadata applied as one update.
type Transaction struct {
	// Before is the document the transaction was built against.
	Before step.Doc

	// Doc is the document after every step.
	Doc step.Doc

	// Steps are the local steps added with Step. Transactions built by
	// ReceiveTransaction carry no local steps.
	Steps []step.Step

	// Mapping maps positions in Before to positions in Doc.
	Mapping *step.Mapping

	// Meta carries plugin metadata.
	Meta map[string]any

	collab *CollabState
}

// Step applies s to the transaction's document.
func (tr *Transaction) Step(s step.Step) error {
	if tr.collab != nil {
		return fmt.Errorf("add step to a collab transaction")
	}
	doc, err := s.Apply(tr.Doc)
	if err != nil {
		return err
	}
	tr.Doc = doc
	tr.Steps = append(tr.Steps, s)
	tr.Mapping.AppendMap(s.Map())
	return nil
}

// DocChanged reports whether the transaction moves any position.
func (tr *Transaction) DocChanged() bool {
	return tr.Mapping.Len() > 0 || tr.Before != tr.Doc
}

// SetMeta stores a metadata value.
func (tr *Transaction) SetMeta(key string, value any) *Transaction {
	tr.Meta[key] = value
	return tr
}

// GetMeta returns a metadata value.
func (tr *Transaction) GetMeta(key string) (any, bool) {
	v, ok := tr.Meta[key]
	return v, ok
}

// MetaKeys returns the metadata keys in sorted order.
func (tr *Transaction) MetaKeys() []string {
	keys := make([]string, 0, len(tr.Meta))
	for k := range tr.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsRemote reports whether the transaction was produced by ReceiveTransaction.
func (tr *Transaction) IsRemote() bool {
	return tr.collab != nil
}
