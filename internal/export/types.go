// Package export renders a proposal dossier as a PDF: the proposal itself,
// recorded consents, the executed resolution and its snapshot, and the
// audit trail.
package export

import "errors"

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
