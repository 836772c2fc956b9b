package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted multi-client editing session.
// Every step runs against one shared branch; after each step the harness
// waits until all clients have converged before taking a snapshot.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Branch is the branch the clients share. Default: "main".
	Branch string `yaml:"branch,omitempty"`

	// Clients are the client ids taking part, in connect order.
	Clients []string `yaml:"clients"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the converged end state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scripted action.
//
// Fields used per op:
//   - insert: client, pos, text
//   - delete: client, from, to
//   - discuss: client, id, from, to
//   - concurrent: steps (applied back to back without waiting)
type Step struct {
	Op     string `yaml:"op"`
	Client string `yaml:"client,omitempty"`
	Pos    int    `yaml:"pos,omitempty"`
	Text   string `yaml:"text,omitempty"`
	From   int    `yaml:"from,omitempty"`
	To     int    `yaml:"to,omitempty"`
	ID     string `yaml:"id,omitempty"`
	Steps  []Step `yaml:"steps,omitempty"`
}

// Step ops.
const (
	OpInsert     = "insert"
	OpDelete     = "delete"
	OpDiscuss    = "discuss"
	OpConcurrent = "concurrent"
)

// Assertion validates the end state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "text": every client (or Client) shows Text
	// - "key": every client (or Client) reached Key
	// - "anchor": discussion ID is anchored to [From, To) on every client
	// - "no_anchor": no client tracks discussion ID
	// - "stored": the branch holds discussion ID at [From, To) mapped against Key
	Type string `yaml:"type"`

	// Client restricts text and key assertions to one client.
	Client string `yaml:"client,omitempty"`

	Text string `yaml:"text,omitempty"`
	Key  int64  `yaml:"key,omitempty"`
	ID   string `yaml:"id,omitempty"`
	From int    `yaml:"from,omitempty"`
	To   int    `yaml:"to,omitempty"`
}

// Assertion type constants.
const (
	AssertText     = "text"
	AssertKey      = "key"
	AssertAnchor   = "anchor"
	AssertNoAnchor = "no_anchor"
	AssertStored   = "stored"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Branch == "" {
		scenario.Branch = "main"
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(s.Name, `/\ `) {
		return fmt.Errorf("name %q must not contain path separators or spaces", s.Name)
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Clients) == 0 {
		return fmt.Errorf("clients list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	clients := make(map[string]bool, len(s.Clients))
	for _, c := range s.Clients {
		if c == "" {
			return fmt.Errorf("clients: empty client id")
		}
		if clients[c] {
			return fmt.Errorf("clients: duplicate client %q", c)
		}
		clients[c] = true
	}

	for i, st := range s.Steps {
		if err := validateStep(fmt.Sprintf("steps[%d]", i), st, clients, true); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, clients); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(path string, st Step, clients map[string]bool, nested bool) error {
	if st.Op == OpConcurrent {
		if !nested {
			return fmt.Errorf("%s: concurrent steps cannot nest", path)
		}
		if len(st.Steps) < 2 {
			return fmt.Errorf("%s: concurrent needs at least two steps", path)
		}
		for i, inner := range st.Steps {
			if err := validateStep(fmt.Sprintf("%s.steps[%d]", path, i), inner, clients, false); err != nil {
				return err
			}
		}
		return nil
	}

	if !clients[st.Client] {
		return fmt.Errorf("%s: unknown client %q", path, st.Client)
	}
	if len(st.Steps) > 0 {
		return fmt.Errorf("%s: steps is only valid for concurrent", path)
	}
	switch st.Op {
	case OpInsert:
		if st.Text == "" {
			return fmt.Errorf("%s: text is required for insert", path)
		}
		if st.Pos < 0 {
			return fmt.Errorf("%s: pos must be non-negative", path)
		}
	case OpDelete:
		if st.From < 0 || st.From >= st.To {
			return fmt.Errorf("%s: delete needs 0 <= from < to", path)
		}
	case OpDiscuss:
		if st.ID == "" {
			return fmt.Errorf("%s: id is required for discuss", path)
		}
		if st.From < 0 || st.From >= st.To {
			return fmt.Errorf("%s: discuss needs 0 <= from < to", path)
		}
	case "":
		return fmt.Errorf("%s: op is required", path)
	default:
		return fmt.Errorf("%s: unknown op %q", path, st.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, clients map[string]bool) error {
	if a.Client != "" && !clients[a.Client] {
		return fmt.Errorf("assertions[%d]: unknown client %q", index, a.Client)
	}

	switch a.Type {
	case AssertText:
	case AssertKey:
		if a.Key < 0 {
			return fmt.Errorf("assertions[%d]: key must be non-negative", index)
		}
	case AssertAnchor, AssertStored:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
		if a.From < 0 || a.From >= a.To {
			return fmt.Errorf("assertions[%d]: %s needs 0 <= from < to", index, a.Type)
		}
	case AssertNoAnchor:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for no_anchor", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
