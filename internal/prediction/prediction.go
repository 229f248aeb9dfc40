// Package prediction talks to the remote classification endpoint.
package prediction

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/medscan/internal/media"
)

// DefaultFailureMessage is shown when the service gives no reason.
const DefaultFailureMessage = "Failed to process image"

// Kind classifies a failed prediction call.
type Kind string

const (
	KindNetworkFailure    Kind = "network_failure"
	KindServerRejected    Kind = "server_rejected"
	KindMalformedResponse Kind = "malformed_response"
)

// Details is the optional structured block of a classification.
type Details struct {
	Severity        string   `json:"severity,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Result is a classification returned by the service. Confidence is a
// percentage in [0, 100].
type Result struct {
	Label      string   `json:"class"`
	Confidence float64  `json:"confidence"`
	Details    *Details `json:"details,omitempty"`
	Preview    string   `json:"preview,omitempty"`
}

// Validate rejects results that cannot be displayed.
func (r *Result) Validate() error {
	if r == nil {
		return fmt.Errorf("empty result")
	}
	if strings.TrimSpace(r.Label) == "" {
		return fmt.Errorf("missing class label")
	}
	if r.Confidence < 0 || r.Confidence > 100 {
		return fmt.Errorf("confidence %v out of range", r.Confidence)
	}
	return nil
}

// Client classifies a single image. Implementations perform exactly one
// request and never retry.
type Client interface {
	Classify(ctx context.Context, img media.Image) (*Result, error)
}

// Error is returned by every Client on failure.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("prediction %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("prediction %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("prediction %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NetworkFailure reports that the request could not be sent or the
// response could not be read.
func NetworkFailure(err error) *Error {
	return &Error{Kind: KindNetworkFailure, Message: DefaultFailureMessage, Err: err}
}

// Malformed reports a success status with an unusable body.
func Malformed(status int, err error) *Error {
	return &Error{Kind: KindMalformedResponse, Message: "Received an invalid response from the prediction service", Status: status, Err: err}
}

// Rejected reports a non-success status. An empty message falls back to
// DefaultFailureMessage.
func Rejected(status int, message string) *Error {
	message = strings.TrimSpace(message)
	if message == "" {
		message = DefaultFailureMessage
	}
	return &Error{Kind: KindServerRejected, Message: message, Status: status}
}
