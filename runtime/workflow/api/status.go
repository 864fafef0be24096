package api

import (
	"encoding/json"
)

// CustomStatus is the progress snapshot a workflow body publishes while it
// runs. Status readers surface it verbatim on the status endpoints.
type CustomStatus struct {
	Phase             string `json:"phase"`
	Progress          int    `json:"progress"`
	Message           string `json:"message,omitempty"`
	CurrentNodeID     string `json:"currentNodeId,omitempty"`
	CurrentNodeName   string `json:"currentNodeName,omitempty"`
	ApprovalEventName string `json:"approvalEventName,omitempty"`
	TraceID           string `json:"traceId,omitempty"`
}

// UnwrapJSON strips layers of string quoting from raw until the value is no
// longer a JSON string. Engine backends differ in how many times a custom
// status gets re-encoded on its way through queries and history, so readers
// must decode until a non-string value appears.
func UnwrapJSON(raw json.RawMessage) json.RawMessage {
	for len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return raw
		}
		inner := json.RawMessage(s)
		if !json.Valid(inner) {
			return raw
		}
		raw = inner
	}
	return raw
}

// DecodeCustomStatus unwraps and decodes a raw custom status. The second
// return is false when raw is empty or not a status object.
func DecodeCustomStatus(raw json.RawMessage) (CustomStatus, bool) {
	var status CustomStatus
	unwrapped := UnwrapJSON(raw)
	if len(unwrapped) == 0 || unwrapped[0] != '{' {
		return status, false
	}
	if err := json.Unmarshal(unwrapped, &status); err != nil {
		return status, false
	}
	return status, true
}
