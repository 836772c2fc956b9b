package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/quill/internal/record"
)

// TraceSnapshot captures the step trace and end state of a scenario run.
// Per-client views are left out; the run only completes once they agree.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Final        State        `json:"final"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because record.MarshalCanonical only handles plain maps, slices and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		m := map[string]any{
			"seq":  event.Seq,
			"op":   event.Op,
			"key":  event.Key,
			"text": event.Text,
		}
		if event.Client != "" {
			m["client"] = event.Client
		}
		if len(event.Anchors) > 0 {
			m["anchors"] = anchorList(event.Anchors)
		}
		trace[i] = m
	}

	stored := make([]any, len(s.Final.Stored))
	for i, d := range s.Final.Stored {
		stored[i] = map[string]any{
			"id":          d.ID,
			"from":        d.From,
			"to":          d.To,
			"current_key": d.CurrentKey,
		}
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"final": map[string]any{
			"text":    s.Final.Text,
			"key":     s.Final.Key,
			"records": s.Final.Records,
			"anchors": anchorList(s.Final.Anchors),
			"stored":  stored,
		},
	}
}

func anchorList(anchors []Anchor) []any {
	out := make([]any, len(anchors))
	for i, a := range anchors {
		out[i] = map[string]any{"id": a.ID, "from": a.From, "to": a.To}
	}
	return out
}

// Snapshot renders the canonical JSON of a run, indented for review with
// a trailing newline.
func Snapshot(name string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Final:        result.Final,
	}
	canonical, err := record.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, canonical, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
