// Package objstore archives raw submission payloads. Archiving is optional: an empty
// store disables it.
package objstore

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/ValerySidorin/ferry/pkg/objstore/minio"
	"github.com/pkg/errors"
)

const (
	Bucket    = "ferry"
	Delimiter = "/"
)

type Config struct {
	Store  string       `yaml:"store"`
	Bucket string       `yaml:"bucket"`
	Minio  minio.Config `yaml:"minio"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Store, flagPrefix+"store", "", `Object storage, that will be used to archive raw payloads. Empty disables archiving.`)
	f.StringVar(&c.Bucket, flagPrefix+"bucket", Bucket, `Bucket for archived payloads.`)
	c.Minio.RegisterFlags(flagPrefix, f)
}

type Writer interface {
	Store(ctx context.Context, objName string, r io.Reader, meta map[string]string) error
}

// NewWriter returns nil, nil when archiving is disabled.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	switch cfg.Store {
	case "":
		return nil, nil
	case "minio":
		return minio.NewWriter(ctx, cfg.Minio, cfg.Bucket)
	}

	return nil, errors.Errorf("invalid store for writer: %q", cfg.Store)
}

// ObjectName lays out archived payloads as <submission>/<run>.<format>.
func ObjectName(submissionID, runID string, format ingest.Format) string {
	return fmt.Sprintf("%s%s%s.%s", submissionID, Delimiter, runID, format)
}
