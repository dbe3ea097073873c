// -------------------------------------------------------------------------------
// Temp Gzip Files - Rotating Log File Storage
//
// Request log items are buffered on disk as gzip-compressed newline-delimited
// JSON in the OS temp directory. Each file carries a UUID used as the upload
// identifier. Size is tracked on the uncompressed side so rotation thresholds
// are independent of compression ratio.
// -------------------------------------------------------------------------------

package logship

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

type tempGzipFile struct {
	uuid string
	path string
	file *os.File
	gz   *gzip.Writer
	size int64
}

func newTempGzipFile() (*tempGzipFile, error) {
	f, err := os.CreateTemp("", "apitrack-log-")
	if err != nil {
		return nil, fmt.Errorf("creating request log file: %w", err)
	}
	return &tempGzipFile{
		uuid: uuid.NewString(),
		path: f.Name(),
		file: f,
		gz:   gzip.NewWriter(f),
	}, nil
}

// writeLine appends one NDJSON line. Size accounts for the trailing newline.
func (t *tempGzipFile) writeLine(line []byte) error {
	if _, err := t.gz.Write(line); err != nil {
		return err
	}
	if _, err := t.gz.Write([]byte("\n")); err != nil {
		return err
	}
	t.size += int64(len(line)) + 1
	return nil
}

// finish flushes and closes the writers. Safe to call more than once.
func (t *tempGzipFile) finish() error {
	if t.gz != nil {
		if err := t.gz.Close(); err != nil {
			return err
		}
		t.gz = nil
	}
	if t.file != nil {
		if err := t.file.Close(); err != nil {
			return err
		}
		t.file = nil
	}
	return nil
}

// reader opens the finished file for upload.
func (t *tempGzipFile) reader() (io.ReadCloser, error) {
	if err := t.finish(); err != nil {
		return nil, err
	}
	return os.Open(t.path)
}

func (t *tempGzipFile) remove() {
	t.finish()
	os.Remove(t.path)
}
