package errors

import (
	stderrors "errors"
	"fmt"
)

type fundamental struct {
	msg string
	*stack
}

func (f *fundamental) Error() string { return f.msg }

type withStack struct {
	error
	*stack
}

func (w *withStack) Unwrap() error { return w.error }

type withMessage struct {
	cause error
	msg   string
	*stack
}

func (w *withMessage) Error() string { return w.msg + ": " + w.cause.Error() }
func (w *withMessage) Unwrap() error { return w.cause }

// New returns an error with the supplied message and a captured stack.
func New(message string) error {
	return &fundamental{msg: message, stack: callers()}
}

func Errorf(format string, args ...interface{}) error {
	return &fundamental{msg: fmt.Sprintf(format, args...), stack: callers()}
}

// Wrap annotates err with a message. Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return &withMessage{cause: err, msg: message, stack: callers()}
}

func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &withMessage{cause: err, msg: fmt.Sprintf(format, args...), stack: callers()}
}

// WithStack annotates err with a stack at the point WithStack was called.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &withStack{error: err, stack: callers()}
}

// NewWithReport builds an error and pushes it to the configured reporters.
func NewWithReport(message string) error {
	err := &fundamental{msg: message, stack: callers()}
	report(err)
	return err
}

func ErrorfAndReport(format string, args ...interface{}) error {
	err := &fundamental{msg: fmt.Sprintf(format, args...), stack: callers()}
	report(err)
	return err
}

func WrapAndReport(err error, message string) error {
	if err == nil {
		return nil
	}
	wrapped := &withMessage{cause: err, msg: message, stack: callers()}
	report(wrapped)
	return wrapped
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func Unwrap(err error) error { return stderrors.Unwrap(err) }
