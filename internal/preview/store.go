// Package preview keeps locally renderable copies of selected images so the
// page can show them without a round trip to the prediction service.
package preview

import (
	"context"
	"errors"

	"github.com/example/medscan/internal/media"
)

// PathPrefix is where handles are served over HTTP.
const PathPrefix = "/previews/"

// ErrNotFound is returned for unknown or released handles.
var ErrNotFound = errors.New("preview not found")

// Handle references a stored preview.
type Handle struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Object is the content behind a handle.
type Object struct {
	ContentType string
	Data        []byte
}

// Store creates, serves and releases previews. Release of an unknown id is
// not an error.
type Store interface {
	Create(ctx context.Context, img media.Image) (Handle, error)
	Open(ctx context.Context, id string) (*Object, error)
	Release(ctx context.Context, id string) error
}

func newHandle(id string) Handle {
	return Handle{ID: id, URL: PathPrefix + id}
}
