package errors

import "fmt"

// The wallet protocol surfaces two error kinds. A TransportError is anything
// mechanical: network failure, timeout, malformed response, protocol violation,
// signature verification failure. A UserRejectedError means the human declined
// or abandoned the flow and must never be retried or rendered as a failure.
// Both carry a machine-readable code and optional structured details.

type TransportError struct {
	Code    string
	Message string
	Details interface{}
	Cause   error
	*stack
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Cause }

type UserRejectedError struct {
	Code    string
	Message string
	Details interface{}
	*stack
}

func (e *UserRejectedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Transport(code, message string) error {
	return &TransportError{Code: code, Message: message, stack: callers()}
}

func Transportf(code, format string, args ...interface{}) error {
	return &TransportError{Code: code, Message: fmt.Sprintf(format, args...), stack: callers()}
}

func TransportWithCause(code, message string, cause error) error {
	return &TransportError{Code: code, Message: message, Cause: cause, stack: callers()}
}

func TransportWithDetails(code, message string, details interface{}) error {
	return &TransportError{Code: code, Message: message, Details: details, stack: callers()}
}

func UserRejected(code, message string) error {
	return &UserRejectedError{Code: code, Message: message, stack: callers()}
}

func UserRejectedWithDetails(code, message string, details interface{}) error {
	return &UserRejectedError{Code: code, Message: message, Details: details, stack: callers()}
}

func IsTransport(err error) bool {
	var te *TransportError
	return As(err, &te)
}

func IsUserRejected(err error) bool {
	var ue *UserRejectedError
	return As(err, &ue)
}

// Code extracts the machine-readable code of a typed error, or "".
func Code(err error) string {
	var te *TransportError
	if As(err, &te) {
		return te.Code
	}
	var ue *UserRejectedError
	if As(err, &ue) {
		return ue.Code
	}
	return ""
}

// Normalize preserves already-typed errors and wraps anything else into a
// TransportError with the operation's fallback code.
func Normalize(err error, fallbackCode, fallbackMessage string) error {
	if err == nil {
		return nil
	}
	if IsTransport(err) || IsUserRejected(err) {
		return err
	}
	return &TransportError{Code: fallbackCode, Message: fallbackMessage, Cause: err, stack: callers()}
}
