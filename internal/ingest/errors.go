package ingest

import (
	"errors"
	"fmt"
)

// MalformedRecordError reports a source row that failed validation or
// normalization. It identifies the offending field so failure reports
// stay actionable without re-reading the source file.
type MalformedRecordError struct {
	Row    int64
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("row %d: malformed field %q: %s", e.Row, e.Field, e.Reason)
}

// IsMalformed reports whether err is (or wraps) a MalformedRecordError.
func IsMalformed(err error) bool {
	var m *MalformedRecordError
	return errors.As(err, &m)
}
