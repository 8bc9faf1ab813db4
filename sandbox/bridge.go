package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ProcessedFile is one entry created by the file-resolution bridge:
// a logical name resolved into the input root. Created before
// execution, removed with the staging context.
type ProcessedFile struct {
	LogicalName string
	HostPath    string
	Handle      string
}

// manifestDoc is the on-disk manifest the in-guest helper reads. Values
// are file names relative to the input root, so the same manifest works
// under any runtime's INPUT_DIR mapping.
type manifestDoc struct {
	Files map[string]string `json:"files"`
}

// stageDataFiles resolves every request data file into the input root
// and writes the manifest. The manifest is written even when no files
// were supplied so the helper can enumerate an empty set.
func (e *Engine) stageDataFiles(
	ctx context.Context,
	sc *StagingContext,
	dataFiles map[string]string,
) ([]ProcessedFile, error) {
	names := make([]string, 0, len(dataFiles))
	for name := range dataFiles {
		names = append(names, name)
	}
	sort.Strings(names)

	doc := manifestDoc{Files: make(map[string]string, len(names))}
	// The manifest name is reserved so no staged file can shadow it.
	used := map[string]struct{}{ManifestFileName: {}}
	var processed []ProcessedFile
	for _, name := range names {
		handle := dataFiles[name]
		data, srcName, err := e.resolveHandle(ctx, handle)
		if err != nil {
			return nil, err
		}
		diskName := uniqueName(stagedName(name, srcName), used)
		used[diskName] = struct{}{}
		hostPath := filepath.Join(sc.InputRoot, diskName)
		if err := os.WriteFile(hostPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to stage %q: %w", name, err)
		}
		processed = append(processed, ProcessedFile{
			LogicalName: name,
			HostPath:    hostPath,
			Handle:      handle,
		})
		doc.Files[name] = diskName
	}

	if err := writeManifest(sc.InputRoot, doc); err != nil {
		return nil, err
	}
	return processed, nil
}

// resolveHandle turns a handle into bytes. A handle that names an
// existing host file is read directly; otherwise the upload store is
// consulted.
func (e *Engine) resolveHandle(
	ctx context.Context, handle string,
) ([]byte, string, error) {
	if st, err := os.Stat(handle); err == nil && !st.IsDir() {
		data, err := os.ReadFile(handle)
		if err != nil {
			return nil, "", err
		}
		return data, filepath.Base(handle), nil
	}
	if e.store != nil {
		f, err := e.store.Load(ctx, handle)
		if err != nil {
			return nil, "", err
		}
		if f != nil {
			return f.Data, f.Name, nil
		}
	}
	return nil, "", fmt.Errorf("unresolvable data file handle: %s", handle)
}

// writeManifest persists the manifest with write-then-rename so the
// guest never observes a partial document.
func writeManifest(inputRoot string, doc manifestDoc) error {
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(inputRoot, ".manifest.tmp")
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(inputRoot, ManifestFileName))
}

// stagedName derives a stable on-disk name from the logical name,
// borrowing the source extension when the logical name has none so
// format-sniffing readers keep working.
func stagedName(logical, src string) string {
	n := sanitizeName(logical)
	if filepath.Ext(n) == "" {
		if ext := filepath.Ext(src); ext != "" {
			n += ext
		}
	}
	return n
}

// uniqueName keeps distinct logical names distinct on disk even when
// sanitization collapses them to the same string.
func uniqueName(name string, used map[string]struct{}) string {
	if _, ok := used[name]; !ok {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		cand := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if _, ok := used[cand]; !ok {
			return cand
		}
	}
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	n := b.String()
	if n == "" || strings.Trim(n, ".") == "" {
		n = "file"
	}
	return n
}
