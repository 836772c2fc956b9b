package harness

// TraceEvent is the converged state after one scenario step.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Op     string `json:"op"`
	Client string `json:"client,omitempty"` // empty for concurrent steps

	// Key and Text are shared by every client once converged.
	Key     int64    `json:"key"`
	Text    string   `json:"text"`
	Anchors []Anchor `json:"anchors,omitempty"`
}

// Anchor is a discussion range as a client tracks it.
type Anchor struct {
	ID   string `json:"id"`
	From int    `json:"from"`
	To   int    `json:"to"`
}

// Stored is a discussion as the branch holds it.
type Stored struct {
	ID         string `json:"id"`
	From       int    `json:"from"`
	To         int    `json:"to"`
	CurrentKey int64  `json:"current_key"`
}

// State is the converged end state of a scenario.
type State struct {
	Text    string   `json:"text"`
	Key     int64    `json:"key"`
	Records int      `json:"records"`
	Anchors []Anchor `json:"anchors"`
	Stored  []Stored `json:"stored"`

	// Clients maps each client id to its own view; they agree once converged.
	Clients map[string]ClientState `json:"clients"`
}

// ClientState is one client's view of the document.
type ClientState struct {
	Text    string   `json:"text"`
	Key     int64    `json:"key"`
	Anchors []Anchor `json:"anchors"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every assertion holds.
	Pass bool `json:"pass"`

	// Trace contains one converged snapshot per step.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final is the converged end state.
	Final State `json:"final"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStepTrace appends the converged state after a step.
func (r *Result) AddStepTrace(op, client string, key int64, text string, anchors []Anchor) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:     int64(len(r.Trace) + 1),
		Op:      op,
		Client:  client,
		Key:     key,
		Text:    text,
		Anchors: anchors,
	})
}
