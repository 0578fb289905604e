// Package intake submits payload files dropped into a spool directory. A file named
// <submission>.json or <submission>.xml is submitted once it stops changing, then moved
// to processed/ or rejected/.
package intake

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/ValerySidorin/ferry/pkg/pipeline"
	util_io "github.com/ValerySidorin/ferry/pkg/util/io"
	"github.com/fsnotify/fsnotify"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ProcessedDir = "processed"
	RejectedDir  = "rejected"
)

type Config struct {
	Dir          string        `yaml:"dir"`
	Debounce     time.Duration `yaml:"debounce"`
	MaxFileBytes int64         `yaml:"max_file_bytes"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Dir, flagPrefix+"dir", "", `Spool directory watched for payload files. Empty disables the intake.`)
	f.DurationVar(&c.Debounce, flagPrefix+"debounce", 300*time.Millisecond, `Time a file must stay unchanged before it is submitted.`)
	f.Int64Var(&c.MaxFileBytes, flagPrefix+"max-file-bytes", 10<<20, `Max size of a spool file. 0 disables the check.`)
}

type Submitter interface {
	Submit(ctx context.Context, submissionID string, format ingest.Format, payload []byte) (string, error)
}

type Intake struct {
	services.Service

	cfg Config
	log gklog.Logger

	submitter Submitter
	watcher   *fsnotify.Watcher
	pending   map[string]time.Time

	files *prometheus.CounterVec
}

func New(cfg Config, submitter Submitter, reg prometheus.Registerer, log gklog.Logger) (*Intake, error) {
	if cfg.Dir == "" {
		return nil, errors.New("intake: spool dir is not set")
	}
	if cfg.Debounce <= 0 {
		return nil, errors.New("intake: debounce must be positive")
	}

	i := &Intake{
		cfg: cfg,
		log: gklog.With(log, "service", "intake", "dir", cfg.Dir),

		submitter: submitter,
		pending:   make(map[string]time.Time),

		files: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferry",
			Subsystem: "intake",
			Name:      "files_total",
			Help:      "Number of spool files handled by result.",
		}, []string{"result"}),
	}
	i.Service = services.NewBasicService(i.starting, i.running, i.stopping)

	return i, nil
}

func (i *Intake) starting(_ context.Context) error {
	for _, dir := range []string{i.cfg.Dir, filepath.Join(i.cfg.Dir, ProcessedDir), filepath.Join(i.cfg.Dir, RejectedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "intake: create spool dir")
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "intake: init watcher")
	}
	if err := w.Add(i.cfg.Dir); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "intake: watch spool dir")
	}
	i.watcher = w

	// files dropped while the service was down
	entries, err := os.ReadDir(i.cfg.Dir)
	if err != nil {
		return errors.Wrap(err, "intake: list spool dir")
	}
	now := time.Now()
	for _, e := range entries {
		if !e.IsDir() && isPayload(e.Name()) {
			i.pending[e.Name()] = now
		}
	}

	level.Info(i.log).Log("msg", "watching spool dir", "pending", len(i.pending))
	return nil
}

func (i *Intake) running(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-i.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if name := filepath.Base(ev.Name); isPayload(name) {
				i.pending[name] = time.Now()
			}
		case err, ok := <-i.watcher.Errors:
			if !ok {
				return nil
			}
			level.Warn(i.log).Log("msg", "watch error", "err", err)
		case <-ticker.C:
			i.flush(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (i *Intake) stopping(_ error) error {
	if i.watcher == nil {
		return nil
	}
	return errors.Wrap(i.watcher.Close(), "intake: close watcher")
}

// flush submits pending files that stayed unchanged for the debounce period, oldest name first.
func (i *Intake) flush(ctx context.Context) {
	now := time.Now()

	stable := make([]string, 0)
	for name, t := range i.pending {
		if now.Sub(t) >= i.cfg.Debounce {
			stable = append(stable, name)
		}
	}
	sort.Strings(stable)

	for _, name := range stable {
		delete(i.pending, name)
		i.handle(ctx, name)
	}
}

func (i *Intake) handle(ctx context.Context, name string) {
	log := gklog.With(i.log, "file", name)
	path := filepath.Join(i.cfg.Dir, name)

	format, err := ingest.FormatFromFilename(name)
	if err != nil {
		return
	}
	id := strings.TrimSuffix(name, filepath.Ext(name))

	payload, err := i.read(path)
	if os.IsNotExist(errors.Cause(err)) {
		return
	}
	if err != nil {
		level.Warn(log).Log("msg", "read spool file", "err", err)
		i.move(log, name, RejectedDir)
		return
	}

	runID, err := i.submitter.Submit(ctx, id, format, payload)
	if keepForRetry(err) {
		// left in place for the next start
		level.Warn(log).Log("msg", "submission interrupted, file kept", "err", err)
		return
	}
	if err != nil {
		level.Warn(log).Log("msg", "submission rejected", "submission_id", id, "err", err)
		i.move(log, name, RejectedDir)
		return
	}

	level.Info(log).Log("msg", "submission accepted", "submission_id", id, "run_id", runID)
	i.move(log, name, ProcessedDir)
}

func (i *Intake) read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open spool file")
	}
	defer f.Close()

	return util_io.ReadAllLimit(f, i.cfg.MaxFileBytes)
}

func (i *Intake) move(log gklog.Logger, name, dir string) {
	i.files.WithLabelValues(dir).Inc()

	if err := os.Rename(filepath.Join(i.cfg.Dir, name), filepath.Join(i.cfg.Dir, dir, name)); err != nil {
		level.Error(log).Log("msg", "move spool file", "to", dir, "err", err)
	}
}

// keepForRetry reports errors caused by shutdown rather than by the file itself.
func keepForRetry(err error) bool {
	return errors.Is(err, pipeline.ErrNotRunning) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func isPayload(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	_, err := ingest.FormatFromFilename(name)
	return err == nil
}
