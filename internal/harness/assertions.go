package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			client := event.Client
			if client == "" {
				client = "*"
			}
			fmt.Fprintf(&buf, "  [%d] %s %s -> key %d %q\n", event.Seq, client, event.Op, event.Key, event.Text)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result's end
// state and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertText:
		return assertText(result, a)
	case AssertKey:
		return assertKey(result, a)
	case AssertAnchor:
		return assertAnchor(result, a)
	case AssertNoAnchor:
		return assertNoAnchor(result, a)
	case AssertStored:
		return assertStored(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// clientsFor returns the client views an assertion applies to, sorted by
// client id.
func clientsFor(result *Result, a Assertion) ([]string, error) {
	if a.Client != "" {
		if _, ok := result.Final.Clients[a.Client]; !ok {
			return nil, fmt.Errorf("unknown client %q", a.Client)
		}
		return []string{a.Client}, nil
	}
	ids := make([]string, 0, len(result.Final.Clients))
	for id := range result.Final.Clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func assertText(result *Result, a Assertion) error {
	ids, err := clientsFor(result, a)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if got := result.Final.Clients[id].Text; got != a.Text {
			return &AssertionError{
				Type:     AssertText,
				Expected: fmt.Sprintf("%s shows %q", id, a.Text),
				Actual:   fmt.Sprintf("%q", got),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func assertKey(result *Result, a Assertion) error {
	ids, err := clientsFor(result, a)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if got := result.Final.Clients[id].Key; got != a.Key {
			return &AssertionError{
				Type:     AssertKey,
				Expected: fmt.Sprintf("%s at key %d", id, a.Key),
				Actual:   fmt.Sprintf("key %d", got),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func assertAnchor(result *Result, a Assertion) error {
	ids, err := clientsFor(result, a)
	if err != nil {
		return err
	}
	want := Anchor{ID: a.ID, From: a.From, To: a.To}
	for _, id := range ids {
		got, ok := findAnchor(result.Final.Clients[id].Anchors, a.ID)
		if !ok || got != want {
			actual := "not tracked"
			if ok {
				actual = fmt.Sprintf("[%d,%d)", got.From, got.To)
			}
			return &AssertionError{
				Type:     AssertAnchor,
				Expected: fmt.Sprintf("%s anchors %s at [%d,%d)", id, a.ID, a.From, a.To),
				Actual:   actual,
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func assertNoAnchor(result *Result, a Assertion) error {
	ids, err := clientsFor(result, a)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if got, ok := findAnchor(result.Final.Clients[id].Anchors, a.ID); ok {
			return &AssertionError{
				Type:     AssertNoAnchor,
				Expected: fmt.Sprintf("%s does not track %s", id, a.ID),
				Actual:   fmt.Sprintf("anchored at [%d,%d)", got.From, got.To),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func assertStored(result *Result, a Assertion) error {
	want := Stored{ID: a.ID, From: a.From, To: a.To, CurrentKey: a.Key}
	for _, s := range result.Final.Stored {
		if s.ID != a.ID {
			continue
		}
		if s == want {
			return nil
		}
		return &AssertionError{
			Type:     AssertStored,
			Expected: fmt.Sprintf("%s stored at [%d,%d) against key %d", a.ID, a.From, a.To, a.Key),
			Actual:   fmt.Sprintf("[%d,%d) against key %d", s.From, s.To, s.CurrentKey),
			Trace:    result.Trace,
		}
	}
	return &AssertionError{
		Type:     AssertStored,
		Expected: fmt.Sprintf("%s stored at [%d,%d) against key %d", a.ID, a.From, a.To, a.Key),
		Actual:   "not stored",
		Trace:    result.Trace,
	}
}

func findAnchor(anchors []Anchor, id string) (Anchor, bool) {
	for _, a := range anchors {
		if a.ID == id {
			return a, true
		}
	}
	return Anchor{}, false
}
