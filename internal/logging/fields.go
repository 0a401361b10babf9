package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across commands.
const (
	FieldService   = "service"
	FieldRunID     = "run_id"
	FieldIndex     = "index"
	FieldDocID     = "doc_id"
	FieldError     = "error"
	FieldDuration  = "duration_ms"
	FieldProgress  = "progress"
	FieldMatches   = "matches"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// RunID returns a slog attribute for a scan run ID.
func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

// Index returns a slog attribute for an index name.
func Index(name string) slog.Attr {
	return slog.String(FieldIndex, name)
}

// DocID returns a slog attribute for a document ID.
func DocID(id string) slog.Attr {
	return slog.String(FieldDocID, id)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Progress returns a slog attribute for the number of documents examined.
func Progress(n int64) slog.Attr {
	return slog.Int64(FieldProgress, n)
}

// Matches returns a slog attribute for an event match count.
func Matches(n int64) slog.Attr {
	return slog.Int64(FieldMatches, n)
}
