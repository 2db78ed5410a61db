package types

// DefaultActionType is the action assumed when a caller omits action.type.
const DefaultActionType = "trade.order.place"

type DecisionRequest struct {
	RequestID string         `json:"request_id"`
	ClientID  string         `json:"client_id"`
	SystemID  string         `json:"system_id"`
	Timestamp string         `json:"timestamp"`
	Action    Action         `json:"action"`
	Context   RequestContext `json:"context"`
}

type Action struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type RequestContext struct {
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}
