// Package protocol defines the JSON wire protocol spoken between the
// control plane and user VMs: one frame per WebSocket message, each frame
// carrying a type discriminator. Frames scoped to a session carry
// session_id; auth, init and heartbeat frames do not.
//
// All request methods exposed over this transport are treated as
// idempotent: a request reported not_found by the resume exchange is safe
// for the caller to re-issue. The protocol carries no retry-safety marker.
package protocol

import "encoding/json"

// Kind discriminates frame types on the wire.
type Kind string

const (
	// VM -> control plane
	KindAuth          Kind = "auth"
	KindHeartbeat     Kind = "heartbeat"
	KindSSEEvent      Kind = "sse_event"
	KindRequest       Kind = "request"
	KindFireAndForget Kind = "fire_and_forget"
	KindResume        Kind = "resume"

	// control plane -> VM
	KindInit           Kind = "init"
	KindStartSession   Kind = "start_session"
	KindStopSession    Kind = "stop_session"
	KindUserMessage    Kind = "user_message"
	KindCancel         Kind = "cancel"
	KindResumeResponse Kind = "resume_response"

	// both directions: the control plane answers VM requests, and the VM
	// answers requests issued by the control plane
	KindResponse Kind = "response"
)

// Frame is the single wire message shape. Fields not used by a given kind
// are omitted from the encoded JSON.
type Frame struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// Request/response correlation
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`

	// auth
	Token string `json:"token,omitempty"`

	// init
	UserID  string            `json:"user_id,omitempty"`
	OrgID   string            `json:"org_id,omitempty"`
	Secrets map[string]string `json:"secrets,omitempty"`

	// session control and events
	Config json.RawMessage `json:"config,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Reason string          `json:"reason,omitempty"`

	// resume protocol
	PendingIDs []string                `json:"pending_ids,omitempty"`
	Results    map[string]ResumeResult `json:"results,omitempty"`
}

// WireError is the error half of a response frame. Exactly one of Result
// and Error is set on a response.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Resume statuses for ResumeResult.Status.
const (
	ResumeCompleted = "completed"
	ResumeNotFound  = "not_found"
)

// ResumeResult reconciles one in-flight request ID after a reconnect.
type ResumeResult struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Error codes carried in WireError.Code.
const (
	ErrCodeMethodNotFound = "method_not_found"
	ErrCodeHandlerFailed  = "handler_failed"
	ErrCodeTimeout        = "timeout"
	ErrCodeDisconnected   = "disconnected"
	ErrCodeCancelled      = "cancelled"
)

// WebSocket close codes. Stable numerics so VM-side reconnect logic can
// branch on cause; an auth failure must never be retried with the same
// credential.
const (
	CloseAuthFailure         = 4001
	CloseUnknownUser         = 4002
	CloseInitTimeout         = 4003
	CloseRateLimited         = 4008
	CloseDuplicateConnection = 4009
	CloseInternalError       = 4011
)

// CloseCodeName returns a short human-readable name for a close code.
func CloseCodeName(code int) string {
	switch code {
	case CloseAuthFailure:
		return "auth_failure"
	case CloseUnknownUser:
		return "unknown_user"
	case CloseInitTimeout:
		return "init_timeout"
	case CloseRateLimited:
		return "rate_limited"
	case CloseDuplicateConnection:
		return "duplicate_connection"
	case CloseInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Response builds a successful response frame for the given request ID.
func Response(id string, result json.RawMessage) *Frame {
	return &Frame{Type: KindResponse, ID: id, Result: result}
}

// ErrorResponse builds a failed response frame for the given request ID.
func ErrorResponse(id, code, message string) *Frame {
	return &Frame{Type: KindResponse, ID: id, Error: &WireError{Code: code, Message: message}}
}

// Decode parses a raw frame, returning an error for malformed JSON or a
// missing type discriminator.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, ErrMissingType
	}
	return &f, nil
}

// ErrMissingType is returned by Decode for frames without a type field.
var ErrMissingType = &protocolError{"frame missing type discriminator"}

type protocolError struct{ msg string }

func (e *protocolError) Error() string { return e.msg }
