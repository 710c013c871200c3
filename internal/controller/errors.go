package controller

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes a failed interaction call.
type Code string

const (
	// CodeConditionFailed means a business condition rejected the call
	// before authorization ran.
	CodeConditionFailed Code = "CONDITION_FAILED"

	// CodePermissionDenied means the user-role or payload attributives
	// evaluated false: not your role.
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// CodePayloadInvalid means the call input does not match the declared
	// payload shape. Surfaced before any write.
	CodePayloadInvalid Code = "PAYLOAD_INVALID"

	// CodeOrderViolation means a workflow node was called out of turn: not
	// your turn, as opposed to not your role.
	CodeOrderViolation Code = "ORDER_VIOLATION"

	// CodeEffectFailed means a computed-data recompute failed after the
	// event was appended. The whole transaction rolls back, including the
	// event, so the log never holds an event with partial effects.
	CodeEffectFailed Code = "EFFECT_FAILED"

	// CodeStoreFailure is a storage error, always fatal to the call and
	// never retried here.
	CodeStoreFailure Code = "STORE_FAILURE"
)

// CallError is the error half of a call result. It is returned as data so
// callers can inspect the code and diagnostics without unwrapping machinery.
type CallError struct {
	Code        Code
	Interaction string
	Message     string

	// Attributive and Stack carry authorization diagnostics: the failing
	// attributive's name and every leaf that evaluated false.
	Attributive string
	Stack       []string

	cause error
}

func (e *CallError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Interaction != "" {
		fmt.Fprintf(&b, " (interaction=%s)", e.Interaction)
	}
	if e.Attributive != "" {
		fmt.Fprintf(&b, " (attributive=%s)", e.Attributive)
	}
	return b.String()
}

func (e *CallError) Unwrap() error { return e.cause }

// HasCode reports whether err is a CallError with the given code.
func HasCode(err error, code Code) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
