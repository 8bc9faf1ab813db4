package sandbox

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/CHARM-BDF/charmgpt-sub011/log"
)

// maxReadSizeBytes caps how much of a single created file is returned
// inline. Larger files are reported by name and size only.
const maxReadSizeBytes = 4 * 1024 * 1024 // 4 MiB

// sniffLen is how many leading bytes content-type detection needs.
const sniffLen = 512

// snapshotDir returns the file names currently present in dir.
func snapshotDir(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		set[e.Name()] = struct{}{}
	}
	return set, nil
}

// reconcile diffs the output root against the pre-execution snapshot
// and classifies every newly created file. Only the difference counts:
// pre-existing leftovers are never reported as new output. The first
// binary image found becomes the primary artifact; all candidates are
// listed. Deletion of the files themselves is owned by the staging
// context, which is closed on every exit path.
func (e *Engine) reconcile(
	sc *StagingContext, before map[string]struct{},
) ([]CreatedFile, *BinaryOutput, error) {
	after, err := snapshotDir(sc.OutputRoot)
	if err != nil {
		return nil, nil, &ReconciliationError{Err: err}
	}
	var names []string
	for n := range after {
		if _, ok := before[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	var created []CreatedFile
	var primary *BinaryOutput
	for _, name := range names {
		if name == ManifestFileName || !e.collectMatch(name) {
			continue
		}
		path := filepath.Join(sc.OutputRoot, name)
		info, err := os.Stat(path)
		if err != nil {
			return nil, nil, &ReconciliationError{Err: err}
		}
		if info.Size() > maxReadSizeBytes {
			// Too large to return inline. Listed with its true size so
			// the caller knows it exists, content left behind.
			log.Warnf("output file %s is %d bytes, over the %d byte "+
				"return limit; content not included", name, info.Size(),
				maxReadSizeBytes)
			prefix, err := readCapped(path, sniffLen)
			if err != nil {
				return nil, nil, &ReconciliationError{Err: err}
			}
			created = append(created, CreatedFile{
				Name:      name,
				SizeBytes: info.Size(),
				MIMEType:  http.DetectContentType(prefix),
			})
			continue
		}
		data, err := readCapped(path, maxReadSizeBytes)
		if err != nil {
			return nil, nil, &ReconciliationError{Err: err}
		}
		cf := CreatedFile{
			Name:      name,
			SizeBytes: int64(len(data)),
			MIMEType:  http.DetectContentType(data),
		}
		if mime := sniffImageMIME(data); mime != "" {
			cf.MIMEType = mime
			cf.Binary = true
			cf.Data = base64.StdEncoding.EncodeToString(data)
			if primary == nil {
				width, height, derr := imageDimensions(data)
				if derr != nil {
					log.Warnf("image header of %s unreadable: %v", name, derr)
				}
				primary = &BinaryOutput{
					Data:      cf.Data,
					MIMEType:  mime,
					Filename:  name,
					SizeBytes: cf.SizeBytes,
					Width:     width,
					Height:    height,
				}
			}
		}
		created = append(created, cf)
	}
	return created, primary, nil
}

// collectMatch applies the optional collect patterns to a candidate
// name. No patterns means every candidate is kept.
func (e *Engine) collectMatch(name string) bool {
	if len(e.collectPatterns) == 0 {
		return true
	}
	for _, p := range e.collectPatterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func readCapped(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	_, err = io.CopyN(&buf, f, limit)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf.Bytes(), nil
}
