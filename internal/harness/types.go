package harness

// TraceEvent records the outcome of one scenario step.
//
// Steps that submit a single mutation carry the element ID; steps with a
// count carry the count and how many of its mutations failed instead.
type TraceEvent struct {
	Step   int    `json:"step"`
	Op     string `json:"op"`
	ID     string `json:"id,omitempty"`
	Count  int    `json:"count,omitempty"`
	Status string `json:"status"` // "ok" or the error code of the first failure
	Failed int    `json:"failed,omitempty"`
	Result any    `json:"result,omitempty"`
}

// StatusOK marks a step whose mutations all succeeded.
const StatusOK = "ok"

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every step matched its expectation
	// and every assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per step, in step order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists unmet step expectations and failed assertions.
	Errors []string `json:"errors,omitempty"`

	// Vertices and Edges are the final element counts, read after every
	// mutation completed.
	Vertices int64 `json:"vertices"`
	Edges    int64 `json:"edges"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure message and fails the result.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step outcome to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
