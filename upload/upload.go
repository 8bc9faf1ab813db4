// Package upload provides the definition and store for caller-uploaded
// data files referenced by execution requests.
package upload

// File represents an uploaded data file such as a CSV, spreadsheet, or
// plain-text document.
type File struct {
	// Data contains the raw bytes (required).
	Data []byte `json:"data,omitempty"`
	// MimeType is the IANA standard MIME type of the source data.
	MimeType string `json:"mime_type,omitempty"`
	// Name is the original upload filename. It is used as a display
	// label and as the default on-disk name when the file is staged.
	Name string `json:"name,omitempty"`
}
