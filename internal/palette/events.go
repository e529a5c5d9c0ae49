package palette

// EventKind discriminates the SSE event types the Node-Palette Streamer
// emits (spec.md §4.4, wire names per spec.md §6).
type EventKind string

const (
	EventBatchStarted  EventKind = "batch_started"
	EventNodeGenerated EventKind = "node_generated"
	EventProviderDone  EventKind = "provider_done"
	EventBatchCompleted EventKind = "batch_completed"
	EventError         EventKind = "error"
)

// Event is one SSE message of a node-palette batch stream.
type Event struct {
	Kind EventKind `json:"-"`

	// EventBatchStarted
	Stage string `json:"stage,omitempty"`

	// EventNodeGenerated
	Node       string `json:"node,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`

	// EventProviderDone
	Status string `json:"status,omitempty"`

	// EventBatchCompleted
	TotalUniqueNodes int `json:"total_unique_nodes,omitempty"`

	// EventError
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func batchStartedEvent(stage string) Event {
	return Event{Kind: EventBatchStarted, Stage: stage}
}

func nodeGeneratedEvent(node, providerID string) Event {
	return Event{Kind: EventNodeGenerated, Node: node, ProviderID: providerID}
}

func providerDoneEvent(providerID, status string) Event {
	return Event{Kind: EventProviderDone, ProviderID: providerID, Status: status}
}

func batchCompletedEvent(total int) Event {
	return Event{Kind: EventBatchCompleted, TotalUniqueNodes: total}
}

func errorEvent(kind, message string) Event {
	return Event{Kind: EventError, ErrorKind: kind, ErrorMessage: message}
}
