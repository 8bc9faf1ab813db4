// Package inmemory provides an in-memory implementation of the upload store.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/CHARM-BDF/charmgpt-sub011/upload"
)

// Service is an in-memory implementation of the upload store.
// It is suitable for testing and development environments.
type Service struct {
	// files stores uploaded files by handle
	files map[string]*upload.File
	// mutex protects concurrent access to the files map
	mutex sync.RWMutex
}

// NewService creates a new in-memory upload store.
func NewService() *Service {
	return &Service{
		files: make(map[string]*upload.File),
	}
}

// Save stores a file and returns a freshly generated handle.
func (s *Service) Save(ctx context.Context, f *upload.File) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	handle := uuid.New().String()
	s.files[handle] = f
	return handle, nil
}

// Load returns the file for a handle, or nil when unknown.
func (s *Service) Load(ctx context.Context, handle string) (*upload.File, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	f, ok := s.files[handle]
	if !ok {
		return nil, nil
	}
	return f, nil
}

// List returns all known handles in sorted order.
func (s *Service) List(ctx context.Context) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	handles := make([]string, 0, len(s.files))
	for h := range s.files {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles, nil
}

// Delete removes a file. Unknown handles are ignored.
func (s *Service) Delete(ctx context.Context, handle string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.files, handle)
	return nil
}
