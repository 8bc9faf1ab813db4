package upload

import "context"

// Store defines the interface for uploaded-file storage and retrieval.
//
// A handle is an opaque identifier returned by Save. The execution
// engine resolves request data-file references through Load when the
// reference is not a direct host path.
type Store interface {
	// Save stores a file and returns its handle.
	Save(ctx context.Context, f *File) (string, error)

	// Load returns the file for a handle, or nil when the handle is
	// unknown.
	Load(ctx context.Context, handle string) (*File, error)

	// List returns all known handles.
	List(ctx context.Context) ([]string, error)

	// Delete removes a file. Deleting an unknown handle is not an
	// error.
	Delete(ctx context.Context, handle string) error
}
