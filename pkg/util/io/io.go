package io

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrTooLarge is returned by ReadAllLimit when the input exceeds the limit.
var ErrTooLarge = errors.New("input exceeds size limit")

func TryGetSize(r io.Reader) (int64, error) {
	switch f := r.(type) {
	case *bytes.Reader:
		return int64(f.Len()), nil
	case *bytes.Buffer:
		return int64(f.Len()), nil
	case *strings.Reader:
		return int64(f.Len()), nil
	case *os.File:
		filestat, err := f.Stat()
		if err != nil {
			return 0, err
		}
		return filestat.Size(), nil
	}

	return 0, errors.Errorf("unsupported type of io.Reader: %T", r)
}

// ReadAllLimit reads r to the end, failing with ErrTooLarge after limit bytes.
// A non-positive limit disables the check.
func ReadAllLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		b, err := io.ReadAll(r)
		return b, errors.Wrap(err, "read all")
	}

	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, "read all")
	}
	if int64(len(b)) > limit {
		return nil, ErrTooLarge
	}

	return b, nil
}

// ContentType guesses the payload content type from the file suffix.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".xml":
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}
