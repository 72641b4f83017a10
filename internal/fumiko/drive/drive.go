// Package drive talks to the remote file store that commands operate on.
//
// The Client interface is what the dispatcher programs against; the HTTP
// implementation in client.go is what production wires in.  Tests substitute
// in-memory fakes.
package drive

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound marks a path the store does not know about.  Callers check it
// with errors.Is to distinguish "nothing there" from transport failures.
var ErrNotFound = errors.New("drive: path not found")

// Entry is one item in a folder listing.
type Entry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	IsFolder bool      `json:"is_folder"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Client is the file-store surface the dispatcher needs.  All operations
// honour ctx cancellation.
type Client interface {
	// List returns the entries directly under the given folder path.
	List(ctx context.Context, path string) ([]Entry, error)

	// Delete moves the file or folder at path into the store's trash.
	// Deletion is soft; the store keeps trashed items recoverable.
	Delete(ctx context.Context, path string) error

	// Move relocates src to dst.  dst is the full destination path,
	// folder included.
	Move(ctx context.Context, src, dst string) error

	// Read returns at most maxBytes of the file's content.  Folders
	// return an error.
	Read(ctx context.Context, path string, maxBytes int64) ([]byte, error)
}

// APIError carries the HTTP status and server-supplied message of a failed
// store call.  The message may contain internal detail and must not be
// relayed to chat verbatim.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("drive: API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the call could plausibly succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
