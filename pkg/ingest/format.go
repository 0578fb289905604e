package ingest

import (
	"path/filepath"
	"strings"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
)

// ParseFormat accepts a declared format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatXML:
		return f, nil
	default:
		return "", &UnsupportedFormatError{Format: s}
	}
}

// FormatFromFilename infers the format from a .json or .xml suffix.
func FormatFromFilename(name string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		return "", &UnsupportedFormatError{Format: name}
	}
	f, err := ParseFormat(ext)
	if err != nil {
		return "", &UnsupportedFormatError{Format: ext}
	}
	return f, nil
}

func (f Format) String() string {
	return string(f)
}
