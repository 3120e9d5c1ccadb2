package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

type Class int

const (
	// ClassTransient errors are retried with backoff.
	ClassTransient Class = iota
	// ClassFatal errors stop the watcher and are reported to the supervisor.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	default:
		return "transient"
	}
}

type ClassifiedError struct {
	Class       Class
	OriginalErr error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.OriginalErr)
}

func (e *ClassifiedError) Unwrap() error {
	return e.OriginalErr
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassTransient, OriginalErr: err}
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassFatal, OriginalErr: err}
}

// ClassOf reports the class attached to err. Unclassified errors are transient.
func ClassOf(err error) Class {
	if err == nil {
		return ClassTransient
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if ce, ok := errors.Cause(err).(*ClassifiedError); ok {
		return ce.Class
	}
	return ClassTransient
}

func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ClassFatal
}

func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ClassTransient
}
