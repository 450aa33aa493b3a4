package host

import "fmt"

// Stable error codes surfaced to the page. These strings are part of
// the external contract; callers branch on them.
const (
	CodePermissionDenied = "ERR_PERMISSION_DENIED"
	CodeScopeRequired    = "ERR_SCOPE_REQUIRED"
	CodeServerUnavail    = "ERR_SERVER_UNAVAILABLE"
	CodeToolNotFound     = "ERR_TOOL_NOT_FOUND"
	CodeToolNotAllowed   = "ERR_TOOL_NOT_ALLOWED"
	CodeToolTimeout      = "ERR_TOOL_TIMEOUT"
	CodeToolFailed       = "ERR_TOOL_FAILED"
	CodeRateLimited      = "ERR_RATE_LIMITED"
	CodeBudgetExceeded   = "ERR_BUDGET_EXCEEDED"

	// Envelope-level codes for malformed or unroutable requests.
	CodeInvalidParams = "ERR_INVALID_PARAMS"
	CodeNotFound      = "ERR_NOT_FOUND"
	CodeUnknownType   = "ERR_UNKNOWN_TYPE"
	CodeInternal      = "ERR_INTERNAL"
)

// Error is a coded error carried through the page-facing envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a coded error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError returns err as a coded *Error, wrapping uncoded errors under
// fallback.
func AsError(err error, fallback string) *Error {
	if err == nil {
		return nil
	}
	if coded, ok := err.(*Error); ok {
		return coded
	}
	return &Error{Code: fallback, Message: err.Error()}
}
