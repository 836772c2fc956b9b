// Package record defines the data persisted in the shared change log and
// alongside it: change records, discussions and document checkpoints.
//
// JSON field names are the log's wire names and must not change.
package record

import (
	"encoding/json"
	"fmt"
)

// ChangeRecord is one committed entry of a branch's change log. It is
// immutable once committed.
type ChangeRecord struct {
	// ID is a unique record id (UUIDv7).
	ID string `json:"id" cbor:"id"`

	// ClientID identifies the authoring replica.
	ClientID string `json:"cId" cbor:"cId"`

	// BranchID names the branch the record belongs to.
	BranchID string `json:"bId" cbor:"bId"`

	// Steps are the encoded steps, in order.
	Steps []json.RawMessage `json:"s" cbor:"s"`

	// Timestamp is the commit time in unix milliseconds, assigned by the
	// backend.
	Timestamp int64 `json:"t" cbor:"t"`
}

// KeyedRecord is a change record together with its log key.
type KeyedRecord struct {
	Key    int64        `json:"key" cbor:"key"`
	Record ChangeRecord `json:"record" cbor:"record"`
}

// SelectionTypeText marks a plain text selection.
const SelectionTypeText = "text"

// Selection is a persisted anchor/head pair.
type Selection struct {
	Anchor int    `json:"a"`
	Head   int    `json:"h"`
	Type   string `json:"type"`
}

// From returns the lower bound of the selection.
func (s Selection) From() int { return min(s.Anchor, s.Head) }

// To returns the upper bound of the selection.
func (s Selection) To() int { return max(s.Anchor, s.Head) }

// selectionWire accepts both type spellings found in stored discussions.
type selectionWire struct {
	Anchor *int    `json:"a"`
	Head   *int    `json:"h"`
	Type   string  `json:"type"`
	T      *string `json:"t,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Selection) UnmarshalJSON(data []byte) error {
	var w selectionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Anchor == nil || w.Head == nil {
		return fmt.Errorf("selection missing anchor or head")
	}
	s.Anchor, s.Head = *w.Anchor, *w.Head
	s.Type = w.Type
	if s.Type == "" && w.T != nil {
		s.Type = *w.T
	}
	return nil
}

// Discussion is the persisted state of a discussion anchor.
type Discussion struct {
	// CurrentKey is the log key the selection was last mapped against.
	CurrentKey int64 `json:"currentKey" cbor:"currentKey"`

	// InitKey, InitAnchor and InitHead record where the discussion was
	// created.
	InitKey    int64 `json:"initKey" cbor:"initKey"`
	InitAnchor int   `json:"initAnchor" cbor:"initAnchor"`
	InitHead   int   `json:"initHead" cbor:"initHead"`

	// Selection is kept raw so one malformed discussion cannot fail a
	// whole snapshot.
	Selection json.RawMessage `json:"selection" cbor:"selection"`
}

// NewDiscussion returns a discussion created at [from, to) against key.
func NewDiscussion(from, to int, key int64) (*Discussion, error) {
	d := &Discussion{
		CurrentKey: key,
		InitKey:    key,
		InitAnchor: from,
		InitHead:   to,
	}
	if err := d.SetSelection(Selection{Anchor: from, Head: to, Type: SelectionTypeText}); err != nil {
		return nil, err
	}
	return d, nil
}

// DecodeSelection parses the stored selection.
func (d *Discussion) DecodeSelection() (Selection, error) {
	var sel Selection
	if len(d.Selection) == 0 {
		return sel, fmt.Errorf("discussion has no selection")
	}
	if err := json.Unmarshal(d.Selection, &sel); err != nil {
		return sel, fmt.Errorf("decode selection: %w", err)
	}
	return sel, nil
}

// SetSelection replaces the stored selection.
func (d *Discussion) SetSelection(sel Selection) error {
	raw, err := json.Marshal(sel)
	if err != nil {
		return err
	}
	d.Selection = raw
	return nil
}

// Clone returns a deep copy.
func (d *Discussion) Clone() *Discussion {
	if d == nil {
		return nil
	}
	c := *d
	c.Selection = append(json.RawMessage(nil), d.Selection...)
	return &c
}

// DiscussionEventType distinguishes discussion log events.
type DiscussionEventType string

const (
	DiscussionAdded   DiscussionEventType = "added"
	DiscussionChanged DiscussionEventType = "changed"
	DiscussionRemoved DiscussionEventType = "removed"
)

// DiscussionEvent is a change to a branch's discussions. Discussion is nil
// for removals.
type DiscussionEvent struct {
	Type       DiscussionEventType `json:"type" cbor:"type"`
	ID         string              `json:"id" cbor:"id"`
	Discussion *Discussion         `json:"discussion,omitempty" cbor:"discussion,omitempty"`
}
