package utils

import (
	"errors"
	"fmt"
)

// Status codes surfaced to the user. Malformed frames are counted but never surfaced.
const (
	CodeUnknown = iota
	CodeMalformedFrame
	CodeIncomplete
	CodeCapacity
	CodeCamera
	CodeReconstruction
	CodeConfig
	CodeIO
)

type CustomError struct {
	Code    int
	Message string
	Err     error
}

func (e *CustomError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Code: %d, Message: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("Code: %d, Message: %s", e.Code, e.Message)
}

func (e *CustomError) Unwrap() error {
	return e.Err
}

func New(code int, message string) error {
	return &CustomError{
		Code:    code,
		Message: message,
	}
}

// Wrap attaches a status code and message to err. A nil err yields nil.
func Wrap(code int, message string, err error) error {
	if err == nil {
		return nil
	}
	return &CustomError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the outermost CustomError in err's chain.
func CodeOf(err error) int {
	var ce *CustomError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeUnknown
}
