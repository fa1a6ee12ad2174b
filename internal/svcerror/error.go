// Package svcerror carries stable, dotted failure codes out of the service layer.
package svcerror

import (
	"errors"
	"fmt"
)

// Error is a service failure identified by an "<operation>.<reason>" code.
type Error struct {
	code string
	err  error
}

// New builds an Error for operation and reason wrapping cause.
func New(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &Error{code: code, err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the dotted failure code.
func (e *Error) Code() string {
	return e.code
}

// CodeOf returns the code of the first Error in err's chain, or "" when there is none.
func CodeOf(err error) string {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
