package pipeline

import (
	"FoodDetServer/engine"
	"errors"
	"fmt"
)

// ClientInputError 请求参数错误，对应 HTTP 400
type ClientInputError struct {
	Field  string
	Reason string
}

func (e *ClientInputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type ErrorKind string

const (
	KindModelNotFound ErrorKind = "model_not_found"
	KindModelLoad     ErrorKind = "model_load"
	KindUnexpected    ErrorKind = "unexpected"
)

// PipelineError is a server-side failure after validation. Error keeps the cause's message.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	return e.Err.Error()
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func classify(err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, engine.ErrModelNotFound):
		return &PipelineError{Kind: KindModelNotFound, Err: err}
	case errors.Is(err, engine.ErrModelLoad):
		return &PipelineError{Kind: KindModelLoad, Err: err}
	default:
		return &PipelineError{Kind: KindUnexpected, Err: err}
	}
}
