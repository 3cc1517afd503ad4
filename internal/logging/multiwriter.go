package logging

import (
	"bytes"
	"io"
)

// MultiWriter routes formatted log lines between the console and a file.
//
// With the file enabled, WARN and ERROR go to both and everything else goes
// to the file only. With the file disabled every line goes to the console.
type MultiWriter struct {
	console     io.Writer
	file        io.Writer
	fileEnabled bool
}

// NewMultiWriter creates a routing writer. file may be nil when fileEnabled is false.
func NewMultiWriter(console, file io.Writer, fileEnabled bool) *MultiWriter {
	return &MultiWriter{
		console:     console,
		file:        file,
		fileEnabled: fileEnabled && file != nil,
	}
}

// Write implements io.Writer. It reports len(p) on success so callers do not
// treat the console-only skip as a short write.
func (m *MultiWriter) Write(p []byte) (int, error) {
	if !m.fileEnabled {
		return m.console.Write(p)
	}

	if _, err := m.file.Write(p); err != nil {
		return 0, err
	}

	switch extractLevel(p) {
	case "WARN", "ERROR":
		if _, err := m.console.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// extractLevel returns the level token of "[timestamp] LEVEL [component] ..."
func extractLevel(p []byte) string {
	i := bytes.Index(p, []byte("] "))
	if i < 0 {
		return ""
	}
	rest := p[i+2:]
	j := bytes.IndexByte(rest, ' ')
	if j < 0 {
		return ""
	}
	return string(rest[:j])
}
