package intent

import "fmt"

// ErrorCode enumerates the admission failure taxonomy. Codes are part of the
// API contract and surface verbatim to clients.
type ErrorCode string

const (
	CodeInvalidSchema    ErrorCode = "InvalidSchema"
	CodeStaleTimestamp   ErrorCode = "StaleTimestamp"
	CodeReplayDetected   ErrorCode = "ReplayDetected"
	CodeInvalidSignature ErrorCode = "InvalidSignature"
	CodeUnknownSigner    ErrorCode = "UnknownSigner"
)

// Error is a typed admission failure carrying the taxonomy code.
type Error struct {
	Code   ErrorCode
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func schemaErr(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidSchema, Detail: fmt.Sprintf(format, args...)}
}
