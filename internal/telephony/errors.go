package telephony

import "fmt"

// Error represents a vendor API call failure. Code carries the vendor's
// original error code when one was reported.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("telephony: %s (code %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("telephony: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a vendor error with the given code and message
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying error (network failure, timeout) as a
// vendor error without a code
func WrapError(err error, format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: err}
}

// NotSupportedError is returned when a capability is invoked on a vendor
// adapter that does not implement it. Unsupported features fail distinctly
// rather than silently no-op.
type NotSupportedError struct {
	Feature  string
	Provider ProviderName
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("feature %q is not supported by provider %q", e.Feature, e.Provider)
}
