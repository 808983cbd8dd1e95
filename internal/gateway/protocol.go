package gateway

import (
	"encoding/json"
	"errors"
	"time"
)

// Recognized message types.
const (
	TypeAuth           = "auth"
	TypeSessionCreate  = "session-create"
	TypeSessionDestroy = "session-destroy"
	TypeSessionList    = "session-list"
	TypeSessionAttach  = "session-attach"
	TypeSessionDetach  = "session-detach"
	TypeCommandExecute = "command-execute"
	TypeBatchExecute   = "batch-execute"
	TypeHeartbeat      = "heartbeat"
	TypeMetrics        = "metrics"
)

// Error codes surfaced to clients. Admission errors close the
// connection; everything else arrives as a structured error response.
const (
	CodeCapacity           = "capacity-exceeded"
	CodeSourceBlocked      = "source-blocked"
	CodeAuthRequired       = "auth-required"
	CodeInvalidCredentials = "invalid-credentials"
	CodeAccountLocked      = "account-locked"
	CodeTokenExpired       = "token-expired"
	CodeTokenInvalid       = "token-invalid"
	CodeBackendUnavailable = "backend-unavailable"
	CodeExecutionFailed    = "execution-failed"
	CodeTimeout            = "timeout"
	CodeValidation         = "validation-failed"
	CodeNotFound           = "not-found"
	CodeInternal           = "internal-error"
	CodeShutdown           = "server-shutdown"
)

var errMalformed = errors.New("malformed message")

// Message is one client-to-gateway unit of work.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	SessionID string          `json:"sessionId,omitempty"`
	AuthToken string          `json:"authToken,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// validate checks the structural shape every message must have.
func (m *Message) validate() error {
	if m.ID == "" || m.Type == "" || m.Timestamp == 0 {
		return errMalformed
	}
	return nil
}

// ErrorInfo is the error half of a response.
type ErrorInfo struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Retryable     bool   `json:"retryable,omitempty"`
	ShouldRefresh bool   `json:"shouldRefresh,omitempty"`
	// RetryAfterMs carries the remaining lockout for locked accounts.
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
}

// BackendInfo identifies which backend served a request.
type BackendInfo struct {
	ID string `json:"id"`
}

// Response is one gateway-to-client unit. Every response carries the
// original request identifier for caller-side correlation.
type Response struct {
	ID          string       `json:"id"`
	Success     bool         `json:"success"`
	Data        interface{}  `json:"data,omitempty"`
	Error       *ErrorInfo   `json:"error,omitempty"`
	Timestamp   int64        `json:"timestamp"`
	LatencyMs   int64        `json:"latencyMs,omitempty"`
	BackendInfo *BackendInfo `json:"backendInfo,omitempty"`
}

func okResponse(requestID string, data interface{}, latency time.Duration) Response {
	return Response{
		ID:        requestID,
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		LatencyMs: latency.Milliseconds(),
	}
}

func errResponse(requestID string, info ErrorInfo, latency time.Duration) Response {
	return Response{
		ID:        requestID,
		Success:   false,
		Error:     &info,
		Timestamp: time.Now().UnixMilli(),
		LatencyMs: latency.Milliseconds(),
	}
}

// authPayload is the data of an auth message: either credentials for a
// fresh login or a previously issued token to bind the connection.
type authPayload struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// sessionPayload is the data of session lifecycle messages.
type sessionPayload struct {
	SessionID string                 `json:"sessionId,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// commandPayload is the data of command-execute.
type commandPayload struct {
	Command    string            `json:"command"`
	TimeoutMs  int64             `json:"timeoutMs,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// batchPayload is the data of batch-execute. Commands run in order on
// a single backend.
type batchPayload struct {
	Commands  []string `json:"commands"`
	TimeoutMs int64    `json:"timeoutMs,omitempty"`
	// StopOnError aborts the batch at the first failing command.
	StopOnError bool `json:"stopOnError,omitempty"`
}
