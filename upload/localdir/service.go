// Package localdir provides a directory-backed implementation of the
// upload store. Each file is stored as <handle> plus a <handle>.json
// sidecar carrying the original name and MIME type.
package localdir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/CHARM-BDF/charmgpt-sub011/upload"
)

const metaSuffix = ".json"

// Service stores uploaded files under a single host directory.
type Service struct {
	root string
}

type fileMeta struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
}

// NewService creates a directory-backed upload store rooted at root.
// The directory is created when missing.
func NewService(root string) (*Service, error) {
	if root == "" {
		return nil, fmt.Errorf("upload root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload root: %w", err)
	}
	return &Service{root: root}, nil
}

// Save writes the file and its metadata sidecar, returning the handle.
func (s *Service) Save(ctx context.Context, f *upload.File) (string, error) {
	handle := uuid.New().String()
	if err := os.WriteFile(s.dataPath(handle), f.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	meta := fileMeta{Name: f.Name, MimeType: f.MimeType}
	buf, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	// Write-then-rename so readers never observe a partial sidecar.
	tmp := s.dataPath(handle) + ".meta.tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return "", fmt.Errorf("failed to write upload metadata: %w", err)
	}
	if err := os.Rename(tmp, s.metaPath(handle)); err != nil {
		return "", err
	}
	return handle, nil
}

// Load reads the file for a handle, or nil when the handle is unknown.
func (s *Service) Load(ctx context.Context, handle string) (*upload.File, error) {
	if !validHandle(handle) {
		return nil, fmt.Errorf("invalid handle: %s", handle)
	}
	data, err := os.ReadFile(s.dataPath(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	f := &upload.File{Data: data, Name: handle}
	if buf, err := os.ReadFile(s.metaPath(handle)); err == nil {
		var meta fileMeta
		if err := json.Unmarshal(buf, &meta); err == nil {
			if meta.Name != "" {
				f.Name = meta.Name
			}
			f.MimeType = meta.MimeType
		}
	}
	return f, nil
}

// List returns all handles present in the store directory.
func (s *Service) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var handles []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		handles = append(handles, e.Name())
	}
	sort.Strings(handles)
	return handles, nil
}

// Delete removes the file and its sidecar. Unknown handles are ignored.
func (s *Service) Delete(ctx context.Context, handle string) error {
	if !validHandle(handle) {
		return fmt.Errorf("invalid handle: %s", handle)
	}
	if err := os.Remove(s.dataPath(handle)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.metaPath(handle)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Service) dataPath(handle string) string {
	return filepath.Join(s.root, handle)
}

func (s *Service) metaPath(handle string) string {
	return filepath.Join(s.root, handle+metaSuffix)
}

// validHandle rejects handles that could escape the store directory.
func validHandle(h string) bool {
	if h == "" || h == "." || h == ".." {
		return false
	}
	return filepath.Base(h) == h
}
