package datafile

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/large-farva/forcedaq/internal/daq"
)

// Writer appends records to a log. It is not safe for concurrent use; the
// recorder is its only caller.
type Writer struct {
	schema Schema
	buf    *bufio.Writer
	gz     *gzip.Writer
	file   *os.File
	path   string
}

// NewWriter writes plain text to w. Close flushes but does not close w.
func NewWriter(w io.Writer, schema Schema) *Writer {
	return &Writer{schema: schema, buf: bufio.NewWriter(w)}
}

// Create makes a new log file at path, failing if it already exists. Files
// whose name ends in ".gz" are gzip-compressed.
func Create(path string, schema Schema) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{schema: schema, file: f, path: path}
	if IsZipped(path) {
		w.gz = gzip.NewWriter(f)
		w.buf = bufio.NewWriter(w.gz)
	} else {
		w.buf = bufio.NewWriter(f)
	}
	return w, nil
}

// Path returns the file path, or "" for writers not backed by a file.
func (w *Writer) Path() string { return w.path }

// Schema returns the column layout of sample lines.
func (w *Writer) Schema() Schema { return w.schema }

// WriteComment writes text as a comment line.
func (w *Writer) WriteComment(text string) error {
	text = strings.ReplaceAll(text, "\n", " ")
	// Keep comments from being read back as tagged lines.
	if strings.HasPrefix(text, "T,") || strings.HasPrefix(text, "UDP,") {
		text = " " + text
	}
	_, err := w.buf.WriteString(daq.TagComment + text + "\n")
	return err
}

// WriteColumnNames writes the column-name line of the schema.
func (w *Writer) WriteColumnNames() error {
	_, err := w.buf.WriteString(w.schema.ColumnLine() + "\n")
	return err
}

// WriteRecord writes one record. Samples need an adjusted time on converted
// schemas; use WriteAdjusted for those.
func (w *Writer) WriteRecord(rec daq.Record) error {
	var line string
	switch r := rec.(type) {
	case daq.Sample:
		if w.schema.AdjTime {
			return errors.New("datafile: sample without adjusted time on a converted schema")
		}
		line = w.schema.FormatSample(r, 0)
	case daq.MarkerEvent:
		line = daq.TagMarker + "," + strconv.FormatInt(r.Time, 10) + "," + oneLine(r.Code)
	case daq.ExternalEvent:
		line = daq.TagEvent + "," + strconv.FormatInt(r.Time, 10) + "," + oneLine(r.Payload)
	default:
		return fmt.Errorf("datafile: unknown record type %T", rec)
	}
	_, err := w.buf.WriteString(line + "\n")
	return err
}

// WriteRecords writes recs in order and stops at the first error.
func (w *Writer) WriteRecords(recs []daq.Record) error {
	for _, r := range recs {
		if err := w.WriteRecord(r); err != nil {
			return err
		}
	}
	return nil
}

// WriteAdjusted writes a sample line carrying its reconstructed time.
func (w *Writer) WriteAdjusted(s daq.Sample, adj int64) error {
	if !w.schema.AdjTime {
		return errors.New("datafile: schema has no adj_time column")
	}
	_, err := w.buf.WriteString(w.schema.FormatSample(s, adj) + "\n")
	return err
}

// WriteRaw appends already formatted lines.
func (w *Writer) WriteRaw(lines []byte) error {
	_, err := w.buf.Write(lines)
	return err
}

// Flush pushes buffered lines to the underlying writer.
func (w *Writer) Flush() error {
	return w.buf.Flush()
}

// Close flushes and closes the file and any gzip stream.
func (w *Writer) Close() error {
	err := w.buf.Flush()
	if w.gz != nil {
		err = multierr.Append(err, w.gz.Close())
	}
	if w.file != nil {
		err = multierr.Append(err, w.file.Close())
	}
	return err
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// IsZipped reports whether path names a gzip-compressed log.
func IsZipped(path string) bool {
	return strings.HasSuffix(path, ".gz")
}
