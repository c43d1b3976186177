// Package attachment persists attachment bytes to the local filesystem.
//
// File names are used verbatim: no sanitisation of path separators or
// traversal sequences is done, and a second attachment with the same name
// overwrites the first. Concurrent writes to the same name may interleave.
package attachment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// IOError reports a failed attachment write.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("attachment %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIOError reports whether err (or any error in its chain) is an IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// Writer writes attachments into an existing directory.
type Writer struct {
	perm os.FileMode
}

// NewWriter returns a Writer creating files with mode 0o644.
func NewWriter() *Writer {
	return &Writer{perm: 0o644}
}

// Write stores content at dir/name, replacing any existing file, and
// returns the path written. dir must already exist.
func (w *Writer) Write(dir, name string, content []byte) (string, error) {
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, w.perm)
	if err != nil {
		return "", &IOError{Path: path, Op: "open", Err: err}
	}

	if _, err := f.Write(content); err != nil {
		f.Close()
		return "", &IOError{Path: path, Op: "write", Err: err}
	}

	if err := f.Close(); err != nil {
		return "", &IOError{Path: path, Op: "close", Err: err}
	}

	return path, nil
}
