package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func convergedResult() *Result {
	anchors := []Anchor{{ID: "d1", From: 2, To: 5}}
	r := NewResult()
	r.AddStepTrace(OpInsert, "alice", 1, "hello", nil)
	r.AddStepTrace(OpDiscuss, "bob", 1, "hello", anchors)
	r.Final = State{
		Text:    "hello",
		Key:     1,
		Records: 1,
		Anchors: anchors,
		Stored:  []Stored{{ID: "d1", From: 2, To: 5, CurrentKey: 1}},
		Clients: map[string]ClientState{
			"alice": {Text: "hello", Key: 1, Anchors: anchors},
			"bob":   {Text: "hello", Key: 1, Anchors: anchors},
		},
	}
	return r
}

func TestEvaluateAssertions_Pass(t *testing.T) {
	failures := EvaluateAssertions(convergedResult(), []Assertion{
		{Type: AssertText, Text: "hello"},
		{Type: AssertText, Client: "bob", Text: "hello"},
		{Type: AssertKey, Key: 1},
		{Type: AssertAnchor, ID: "d1", From: 2, To: 5},
		{Type: AssertNoAnchor, ID: "d2"},
		{Type: AssertStored, ID: "d1", From: 2, To: 5, Key: 1},
	})
	assert.Empty(t, failures)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{"text", Assertion{Type: AssertText, Text: "bye"}, `Expected: alice shows "bye"`},
		{"key", Assertion{Type: AssertKey, Client: "bob", Key: 2}, "Actual: key 1"},
		{"anchor moved", Assertion{Type: AssertAnchor, ID: "d1", From: 0, To: 5}, "Actual: [2,5)"},
		{"anchor missing", Assertion{Type: AssertAnchor, ID: "d9", From: 0, To: 1}, "Actual: not tracked"},
		{"no anchor", Assertion{Type: AssertNoAnchor, ID: "d1"}, "Actual: anchored at [2,5)"},
		{"stored key", Assertion{Type: AssertStored, ID: "d1", From: 2, To: 5, Key: 3}, "Actual: [2,5) against key 1"},
		{"not stored", Assertion{Type: AssertStored, ID: "d2", From: 2, To: 5}, "Actual: not stored"},
		{"unknown client", Assertion{Type: AssertText, Client: "carol"}, `unknown client "carol"`},
		{"unknown type", Assertion{Type: "final_state"}, "unknown assertion type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failures := EvaluateAssertions(convergedResult(), []Assertion{tt.assertion})
			require.Len(t, failures, 1)
			assert.Contains(t, failures[0], "assertions[0]")
			assert.Contains(t, failures[0], tt.want)
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertText,
		Expected: `"a"`,
		Actual:   `"b"`,
		Trace:    convergedResult().Trace,
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: text")
	assert.Contains(t, msg, `[1] alice insert -> key 1 "hello"`)
	assert.Contains(t, msg, `[2] bob discuss -> key 1 "hello"`)
}
