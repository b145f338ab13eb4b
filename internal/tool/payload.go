package tool

import (
	"encoding/json"
	"fmt"
)

// Error kinds carried in tool error payloads. The model sees these and
// may recover (retry with fixed arguments, pick another tool, or
// answer without the result).
const (
	KindUnknownTool = "unknown_tool"
	KindBadArgs     = "invalid_arguments"
	KindExecution   = "execution_error"
	KindTimeout     = "timeout"
)

// ErrorPayload is the structured failure value returned to the model
// in place of a tool result. Handlers must never surface raw Go errors
// or stack traces to the model.
type ErrorPayload struct {
	OK      bool   `json:"ok"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// ExecutionError builds the payload for a handler failure.
func ExecutionError(message string) ErrorPayload {
	return ErrorPayload{OK: false, Kind: KindExecution, Message: message}
}

// TimeoutError builds the payload for a handler that exceeded its
// per-tool deadline.
func TimeoutError(name string) ErrorPayload {
	return ErrorPayload{OK: false, Kind: KindTimeout, Message: fmt.Sprintf("tool %s timed out", name)}
}

// UnknownToolError builds the payload for a model-requested tool that
// is not in the active registry.
func UnknownToolError(name string) ErrorPayload {
	return ErrorPayload{OK: false, Kind: KindUnknownTool, Message: fmt.Sprintf("unknown tool %q", name)}
}

// BadArgsError builds the payload for arguments that failed schema
// validation.
func BadArgsError(name string, err error) ErrorPayload {
	return ErrorPayload{OK: false, Kind: KindBadArgs, Message: fmt.Sprintf("invalid arguments for %s: %v", name, err)}
}

// MarshalPayload serializes a handler result for the message history.
// Strings pass through unchanged; everything else becomes JSON text.
// Marshal failures degrade to an execution-error payload rather than
// aborting the run.
func MarshalPayload(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		fallback, _ := json.Marshal(ExecutionError(fmt.Sprintf("unserializable tool result: %v", err)))
		return string(fallback)
	}
	return string(b)
}
