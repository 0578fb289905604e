package log

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/weaveworks/common/logging"
)

var (
	Logger = log.NewNopLogger()
)

type Config struct {
	LogFormat logging.Format    `yaml:"format"`
	LogLevel  logging.Level     `yaml:"level"`
	Log       logging.Interface `yaml:"-"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.LogFormat.RegisterFlags(f)
	c.LogLevel.RegisterFlags(f)
}

// InitLogger sets the process-wide Logger and the weaveworks adapter used by the
// signal handler. Output goes to stderr.
func InitLogger(cfg *Config) {
	initLogger(cfg, os.Stderr)
}

func initLogger(cfg *Config, w io.Writer) {
	l := newBasicLogger(cfg.LogFormat, w)

	Logger = level.NewFilter(log.With(l, "caller", log.DefaultCaller), cfg.LogLevel.Gokit)
	cfg.Log = logging.GoKit(level.NewFilter(log.With(l, "caller", log.Caller(4)), cfg.LogLevel.Gokit))
}

func newBasicLogger(format logging.Format, w io.Writer) log.Logger {
	var logger log.Logger
	if format.String() == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}

	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

func CheckFatal(location string, err error) {
	if err != nil {
		logger := level.Error(Logger)
		if location != "" {
			logger = log.With(logger, "msg", "error "+location)
		}

		_ = logger.Log("err", fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}
