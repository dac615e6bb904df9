// Package workflow holds the JSON shapes exchanged with the external
// workflow compiler: the compiled-workflow snapshot this core hashes
// and pins, and the execution snapshot it content-addresses for resume.
package workflow

// CompiledWorkflow is the compiler's immutable output. This core never
// interprets node semantics; it validates shape, hashes, and pins.
type CompiledWorkflow struct {
	V     int            `json:"v"`
	Name  string         `json:"name"`
	Nodes []WorkflowNode `json:"nodes"`
}

type WorkflowNode struct {
	NodeID    string   `json:"nodeId"`
	Kind      string   `json:"kind,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
	UserOnly  bool     `json:"userOnly,omitempty"`
}

// ExecutionSnapshot captures resumable run state at one event index.
type ExecutionSnapshot struct {
	V            int            `json:"v"`
	SessionID    string         `json:"sessionId"`
	RunID        string         `json:"runId"`
	EventIndex   uint64         `json:"eventIndex"`
	WorkflowHash string         `json:"workflowHash"`
	State        map[string]any `json:"state"`
}
