package export

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"sync"

	"github.com/banshee-data/proximity.report/internal/fsutil"
)

// CSVWriter is a buffered, concurrency-safe CSV writer. The buffer
// absorbs row writes; callers flush at their own cadence so the hot path
// never blocks on I/O.
type CSVWriter struct {
	mu   sync.Mutex
	file io.WriteCloser
	buf  *bufio.Writer
	csv  *csv.Writer
	rows int64
}

// NewCSVWriter creates path on the given filesystem and writes the
// schema's header row.
func NewCSVWriter(fsys fsutil.FileSystem, path string, schema Schema) (*CSVWriter, error) {
	f, err := fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv create %s: %w", path, err)
	}

	bw := bufio.NewWriterSize(f, 64*1024)
	cw := csv.NewWriter(bw)
	if err := cw.Write(schema.Columns()); err != nil {
		f.Close()
		return nil, fmt.Errorf("csv write header: %w", err)
	}

	return &CSVWriter{file: f, buf: bw, csv: cw}, nil
}

// WriteRow appends a single row. Write errors are deferred to Flush.
func (w *CSVWriter) WriteRow(row []string) {
	w.mu.Lock()
	_ = w.csv.Write(row)
	w.rows++
	w.mu.Unlock()
}

// Flush pushes buffered rows through to the filesystem and reports any
// deferred write error.
func (w *CSVWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return err
	}
	return w.buf.Flush()
}

// Close flushes remaining rows and closes the file.
func (w *CSVWriter) Close() error {
	flushErr := w.Flush()
	w.mu.Lock()
	closeErr := w.file.Close()
	w.mu.Unlock()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Rows returns the number of data rows written, excluding the header.
func (w *CSVWriter) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}
