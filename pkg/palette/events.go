// Package palette runs the brainstorming fan-out: K parallel LLM calls
// per batch, merged into one deduplicated SSE stream per client session.
// Session state lives in the memory of the owning process; a worker death
// loses it, and the client re-opens.
package palette

// EventType discriminates palette stream events.
type EventType string

const (
	EventBatchStarted   EventType = "batch_started"
	EventNodeGenerated  EventType = "node_generated"
	EventProviderDone   EventType = "provider_done"
	EventBatchCompleted EventType = "batch_completed"
	EventError          EventType = "error"
)

// Provider completion statuses.
const (
	ProviderStatusOK      = "ok"
	ProviderStatusFailure = "failure"
)

// Event is one frame of the merged palette stream.
type Event struct {
	Type     EventType `json:"type"`
	Node     string    `json:"node,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Stage    string    `json:"stage,omitempty"`

	// provider_done
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`

	// batch_completed
	TotalUniqueNodes int `json:"total_unique_nodes,omitempty"`

	// error
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}
