// Package step defines the edit steps exchanged through the change log and
// the position maps used to rebase them.
//
// Documents are plain text addressed by rune offsets. A position p sits
// between rune p-1 and rune p, so a document of n runes has positions 0..n.
package step

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrOutOfRange is returned when a step addresses positions outside the
// document it is applied to.
var ErrOutOfRange = errors.New("step position out of range")

// Doc is an immutable plain-text document.
type Doc string

// Len returns the document length in runes.
func (d Doc) Len() int {
	return utf8.RuneCountInString(string(d))
}

// Slice returns the text between rune offsets from and to.
func (d Doc) Slice(from, to int) (string, error) {
	runes := []rune(string(d))
	if from < 0 || to < from || to > len(runes) {
		return "", fmt.Errorf("slice [%d,%d) of %d: %w", from, to, len(runes), ErrOutOfRange)
	}
	return string(runes[from:to]), nil
}

// Step is a single invertible document change.
//
// Steps are values: Apply never mutates the receiver.
type Step interface {
	// Apply returns the document that results from applying the step.
	Apply(doc Doc) (Doc, error)

	// Invert returns the step that undoes this one. doc must be the
	// document the step was applied to.
	Invert(doc Doc) (Step, error)

	// Map returns the position map describing this step.
	Map() StepMap

	// MapThrough rebases the step over a mapping. ok is false when the
	// step's whole range was deleted by the mapping and it no longer
	// applies.
	MapThrough(m *Mapping) (s Step, ok bool)

	// Type is the registry name used by the codec.
	Type() string
}

// Replace swaps the runes in [From, To) for Text. Insertions have
// From == To; deletions have an empty Text.
type Replace struct {
	From int    `json:"from"`
	To   int    `json:"to"`
	Text string `json:"text,omitempty"`
}

// TypeReplace is the codec name for Replace.
const TypeReplace = "replace"

// Insert returns a step inserting text at pos.
func Insert(pos int, text string) Replace {
	return Replace{From: pos, To: pos, Text: text}
}

// Delete returns a step removing [from, to).
func Delete(from, to int) Replace {
	return Replace{From: from, To: to}
}

// Type implements Step.
func (r Replace) Type() string { return TypeReplace }

// Apply implements Step.
func (r Replace) Apply(doc Doc) (Doc, error) {
	runes := []rune(string(doc))
	if r.From < 0 || r.To < r.From || r.To > len(runes) {
		return doc, fmt.Errorf("replace [%d,%d) in doc of %d: %w", r.From, r.To, len(runes), ErrOutOfRange)
	}
	out := make([]rune, 0, len(runes)-(r.To-r.From)+utf8.RuneCountInString(r.Text))
	out = append(out, runes[:r.From]...)
	out = append(out, []rune(r.Text)...)
	out = append(out, runes[r.To:]...)
	return Doc(out), nil
}

// Invert implements Step.
func (r Replace) Invert(doc Doc) (Step, error) {
	removed, err := doc.Slice(r.From, r.To)
	if err != nil {
		return nil, err
	}
	return Replace{
		From: r.From,
		To:   r.From + utf8.RuneCountInString(r.Text),
		Text: removed,
	}, nil
}

// Map implements Step.
func (r Replace) Map() StepMap {
	return StepMap{
		Start:   r.From,
		OldSize: r.To - r.From,
		NewSize: utf8.RuneCountInString(r.Text),
	}
}

// MapThrough implements Step.
//
// The start maps with a right bias and the end with a left bias, so text
// inserted by the mapping at either boundary stays outside the replaced
// range. Two insertions at the same position order the mapped one after
// the other.
func (r Replace) MapThrough(m *Mapping) (Step, bool) {
	from, fromDeleted := m.MapResult(r.From, 1)
	to, toDeleted := m.MapResult(r.To, -1)
	if fromDeleted && toDeleted && r.From != r.To {
		return nil, false
	}
	if to < from {
		to = from
	}
	return Replace{From: from, To: to, Text: r.Text}, true
}
