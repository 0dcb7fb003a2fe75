// Package fetcher streams delimited input files as header-mapped rows
// without materializing them in memory.
package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// Row is one data row of a delimited file. Number is 1-based and
// counts data rows only (the header is row 0).
type Row struct {
	Number int64
	Fields map[string]string
}

// Get returns the trimmed value of a column, or "" when absent.
func (r Row) Get(column string) string {
	return strings.TrimSpace(r.Fields[column])
}

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter       rune     // default ','
	Comment         rune     // comment character (0 = none)
	LazyQuotes      bool
	RequiredColumns []string // header must contain all of these
}

// StreamRows reads a delimited file and sends header-mapped rows to a
// channel. The first record is the header; rows with fewer fields than
// the header are padded with empty strings. Caller must consume the
// row channel. Errors are sent on the error channel; both channels are
// closed when processing completes.
func StreamRows(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1 // allow variable fields

		header, err := reader.Read()
		if err == io.EOF {
			errCh <- eris.New("csv: empty input")
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "csv: read header")
			return
		}
		for i := range header {
			header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
		}

		if err := checkHeader(header, opts.RequiredColumns); err != nil {
			errCh <- err
			return
		}

		var rowNum int64
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			rowNum++
			fields := make(map[string]string, len(header))
			for i, name := range header {
				if i < len(record) {
					fields[name] = record[i]
				} else {
					fields[name] = ""
				}
			}

			select {
			case rowCh <- Row{Number: rowNum, Fields: fields}:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func checkHeader(header, required []string) error {
	if len(required) == 0 {
		return nil
	}
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	var missing []string
	for _, col := range required {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("csv: header missing required columns: %s", strings.Join(missing, ", "))
	}
	return nil
}
