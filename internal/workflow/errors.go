package workflow

import (
	"context"
	"errors"

	"github.com/example/medscan/internal/prediction"
)

// ErrorKind is the machine readable part of a WorkflowError.
type ErrorKind string

const (
	KindInvalidFileType   ErrorKind = "invalid_file_type"
	KindNetworkFailure    ErrorKind = ErrorKind(prediction.KindNetworkFailure)
	KindServerRejected    ErrorKind = ErrorKind(prediction.KindServerRejected)
	KindMalformedResponse ErrorKind = ErrorKind(prediction.KindMalformedResponse)
)

var (
	// ErrNoFileSelected is returned by Submit when nothing is selected.
	// The call is a no-op and is not shown to the user.
	ErrNoFileSelected = errors.New("no file selected")
	// ErrSubmitInFlight is returned by Submit while a request is pending.
	// The call is a no-op.
	ErrSubmitInFlight = errors.New("submission already in flight")
	// ErrClosed is returned after the workflow has been torn down.
	ErrClosed = errors.New("workflow closed")
)

// Error is the message shown to the user after a failed submission.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func toWorkflowError(err error) *Error {
	var predErr *prediction.Error
	if errors.As(err, &predErr) {
		return &Error{Kind: ErrorKind(predErr.Kind), Message: predErr.Message}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindNetworkFailure, Message: "The prediction service did not respond in time"}
	}
	return &Error{Kind: KindNetworkFailure, Message: prediction.DefaultFailureMessage}
}
