// Package pipeline runs accepted submissions through parse, validate, normalize and
// commit in the background while the tracker reflects their progress.
package pipeline

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/ValerySidorin/ferry/pkg/ingest/normalizer"
	"github.com/ValerySidorin/ferry/pkg/ingest/parser"
	"github.com/ValerySidorin/ferry/pkg/ingest/record"
	"github.com/ValerySidorin/ferry/pkg/ingest/validator"
	"github.com/ValerySidorin/ferry/pkg/objstore"
	"github.com/ValerySidorin/ferry/pkg/queue"
	"github.com/ValerySidorin/ferry/pkg/queue/message"
	"github.com/cespare/xxhash/v2"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
)

const (
	StepStart      = "start"
	StepValidate   = "validate"
	StepProcessing = "mark_processing"
	StepTransform  = "transform"
	StepCommit     = "commit"
)

var (
	ErrEmptySubmissionID = errors.New("submission id is empty")
	ErrPayloadTooLarge   = errors.New("payload is too large")
	ErrNotRunning        = errors.New("pipeline is not accepting submissions")
)

type Config struct {
	WorkerPool      int           `yaml:"worker_pool"`
	QueueSize       int           `yaml:"queue_size"`
	StepTimeout     time.Duration `yaml:"step_timeout"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`

	Archive  objstore.Config `yaml:"archive"`
	Notifier queue.Config    `yaml:"notifier"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.IntVar(&c.WorkerPool, flagPrefix+"worker-pool", 4, `Number of submissions processed concurrently.`)
	f.IntVar(&c.QueueSize, flagPrefix+"queue-size", 100, `Number of accepted submissions waiting for a worker before submit blocks.`)
	f.DurationVar(&c.StepTimeout, flagPrefix+"step-timeout", 10*time.Second, `Timeout of a single tracker or archive interaction.`)
	f.Int64Var(&c.MaxPayloadBytes, flagPrefix+"max-payload-bytes", 10<<20, `Max accepted payload size. 0 disables the check.`)

	c.Archive.RegisterFlags(flagPrefix+"archive.", f)
	c.Notifier.RegisterFlags(flagPrefix+"notifier.", f)
}

func (c *Config) Validate() error {
	if c.WorkerPool < 1 {
		return errors.New("worker_pool must be positive")
	}
	if c.QueueSize < 0 {
		return errors.New("queue_size must not be negative")
	}
	if c.StepTimeout <= 0 {
		return errors.New("step_timeout must be positive")
	}
	return nil
}

// Tracker is the lifecycle state the orchestrator drives.
type Tracker interface {
	WritePlaceholder(ctx context.Context, submissionID string, format ingest.Format) error
	Advance(ctx context.Context, submissionID string, status record.Status) error
	Replace(ctx context.Context, submissionID string, fields []ingest.Fields, status record.Status, format ingest.Format) error
	MarkFailed(ctx context.Context, submissionID string) error
}

type run struct {
	submissionID string
	runID        string
	format       ingest.Format
	payload      []byte
	checksum     string
	receivedAt   time.Time
	placeholder  bool
}

type Orchestrator struct {
	services.Service

	cfg Config
	log gklog.Logger

	tracker   Tracker
	validator *validator.Validator
	normalize func([]ingest.RawRecord) []ingest.Fields
	archive   objstore.Writer
	pub       queue.Publisher

	workerPool *pool.Pool
	runs       chan *run

	// mu guards closed; Submit holds it shared while enqueuing.
	mu     sync.RWMutex
	closed bool
	quit   chan struct{}

	metrics *metrics
}

func New(ctx context.Context, cfg Config, tracker Tracker, reg prometheus.Registerer, log gklog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "pipeline: invalid config")
	}
	log = gklog.With(log, "service", "pipeline")

	v, err := validator.New()
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: init validator")
	}

	archive, err := objstore.NewWriter(ctx, cfg.Archive)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: connect to archive")
	}

	pub, err := queue.NewPublisher(cfg.Notifier, log)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: init notifier")
	}

	o := &Orchestrator{
		cfg: cfg,
		log: log,

		tracker:   tracker,
		validator: v,
		normalize: normalizer.Normalize,
		archive:   archive,
		pub:       pub,

		workerPool: pool.New().WithMaxGoroutines(cfg.WorkerPool),
		runs:       make(chan *run, cfg.QueueSize),
		quit:       make(chan struct{}),
	}
	o.metrics = newMetrics(reg, func() float64 { return float64(len(o.runs)) })
	o.Service = services.NewBasicService(nil, o.running, o.stopping)

	return o, nil
}

// Submit accepts a submission and returns its run id once the uploaded placeholder is
// written and the run is queued. Processing continues in the background.
func (o *Orchestrator) Submit(ctx context.Context, submissionID string, format ingest.Format, payload []byte) (string, error) {
	if submissionID == "" {
		return "", ErrEmptySubmissionID
	}
	format, err := ingest.ParseFormat(string(format))
	if err != nil {
		return "", err
	}
	if o.cfg.MaxPayloadBytes > 0 && int64(len(payload)) > o.cfg.MaxPayloadBytes {
		return "", ErrPayloadTooLarge
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed || o.State() != services.Running {
		return "", ErrNotRunning
	}

	r := &run{
		submissionID: submissionID,
		runID:        uuid.NewString(),
		format:       format,
		payload:      payload,
		checksum:     fmt.Sprintf("%016x", xxhash.Sum64(payload)),
		receivedAt:   time.Now().UTC(),
	}
	log := gklog.With(o.log, "submission_id", r.submissionID, "run_id", r.runID)

	if err := o.step(func(ctx context.Context) error {
		return o.tracker.WritePlaceholder(ctx, r.submissionID, r.format)
	}); err != nil {
		level.Warn(log).Log("msg", "write placeholder, will retry in background", "err", err)
	} else {
		r.placeholder = true
	}

	select {
	case o.runs <- r:
	case <-o.quit:
		o.abandon(log, r)
		return "", ErrNotRunning
	case <-ctx.Done():
		o.abandon(log, r)
		return "", errors.Wrap(ctx.Err(), "enqueue submission")
	}

	level.Debug(log).Log("msg", "submission accepted", "format", r.format, "bytes", len(r.payload), "checksum", r.checksum)
	return r.runID, nil
}

// abandon marks a submission that got a placeholder but never reached the queue.
func (o *Orchestrator) abandon(log gklog.Logger, r *run) {
	if !r.placeholder {
		return
	}
	o.fail(log, r)
}

func (o *Orchestrator) running(ctx context.Context) error {
	for {
		select {
		case r := <-o.runs:
			o.dispatch(r)
		case <-ctx.Done():
			return nil
		}
	}
}

// stopping rejects new submissions, then drains the queue and waits for in-flight runs.
func (o *Orchestrator) stopping(_ error) error {
	close(o.quit)

	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	for drained := false; !drained; {
		select {
		case r := <-o.runs:
			o.dispatch(r)
		default:
			drained = true
		}
	}
	o.workerPool.Wait()

	if o.pub != nil {
		o.pub.Close()
	}

	level.Info(o.log).Log("msg", "pipeline stopped")
	return nil
}

func (o *Orchestrator) dispatch(r *run) {
	o.workerPool.Go(func() {
		o.execute(r)
	})
}

func (o *Orchestrator) execute(r *run) {
	o.metrics.inFlight.Inc()
	defer o.metrics.inFlight.Dec()

	start := time.Now()
	log := gklog.With(o.log, "submission_id", r.submissionID, "run_id", r.runID)

	msg := &message.Message{SubmissionID: r.submissionID, RunID: r.runID}

	n, step, err := o.process(log, r)
	if err != nil {
		level.Error(log).Log("msg", "submission failed", "step", step, "reason", failureReason(err), "err", err)
		o.fail(log, r)
		msg.Status = record.FAILED
		msg.Error = err.Error()
	} else {
		level.Info(log).Log("msg", "submission processed", "records", n, "took", time.Since(start))
		msg.Status = record.PROCESSED
		msg.Records = n
	}

	o.metrics.runs.WithLabelValues(msg.Status.String()).Inc()
	o.metrics.duration.Observe(time.Since(start).Seconds())

	o.notify(log, msg)
}

// process returns the number of committed records, or the failing step and its error.
func (o *Orchestrator) process(log gklog.Logger, r *run) (int, string, error) {
	if !r.placeholder {
		if err := o.step(func(ctx context.Context) error {
			return o.tracker.WritePlaceholder(ctx, r.submissionID, r.format)
		}); err != nil {
			return 0, StepStart, err
		}
		r.placeholder = true
	}
	o.archivePayload(log, r)

	recs, err := parser.Parse(r.payload, r.format)
	if err != nil {
		return 0, StepValidate, err
	}
	if err := o.validator.Validate(recs); err != nil {
		return 0, StepValidate, err
	}
	level.Debug(log).Log("msg", "payload validated", "records", len(recs),
		"partial", lo.CountBy(recs, func(rec ingest.RawRecord) bool { return rec.Shape == ingest.ShapePartial }))

	if err := o.step(func(ctx context.Context) error {
		return o.tracker.Advance(ctx, r.submissionID, record.PROCESSING)
	}); err != nil {
		return 0, StepProcessing, err
	}

	fields, err := o.transform(recs)
	if err != nil {
		return 0, StepTransform, err
	}

	if err := o.step(func(ctx context.Context) error {
		return o.tracker.Replace(ctx, r.submissionID, fields, record.PROCESSED, r.format)
	}); err != nil {
		return 0, StepCommit, err
	}

	return len(fields), "", nil
}

func (o *Orchestrator) transform(recs []ingest.RawRecord) (fields []ingest.Fields, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("normalize: recovered panic: %v", p)
		}
	}()

	return o.normalize(recs), nil
}

func failureReason(err error) string {
	switch {
	case ingest.IsFormatError(err):
		return "malformed"
	case ingest.IsValidationError(err):
		return "invalid"
	case ingest.IsTrackerWriteError(err):
		return "tracker"
	default:
		return "internal"
	}
}

// fail makes a single attempt to mark the submission failed. Its error is only logged.
func (o *Orchestrator) fail(log gklog.Logger, r *run) {
	if err := o.step(func(ctx context.Context) error {
		return o.tracker.MarkFailed(ctx, r.submissionID)
	}); err != nil {
		level.Error(log).Log("msg", "mark submission failed", "err", err)
	}
}

// step runs a single external interaction detached from the submitter's context.
func (o *Orchestrator) step(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StepTimeout)
	defer cancel()

	return fn(ctx)
}

func (o *Orchestrator) archivePayload(log gklog.Logger, r *run) {
	if o.archive == nil {
		return
	}

	objName := objstore.ObjectName(r.submissionID, r.runID, r.format)
	meta := map[string]string{
		"submission-id": r.submissionID,
		"checksum":      r.checksum,
		"received-at":   r.receivedAt.Format(time.RFC3339Nano),
	}

	if err := o.step(func(ctx context.Context) error {
		return o.archive.Store(ctx, objName, bytes.NewReader(r.payload), meta)
	}); err != nil {
		level.Warn(log).Log("msg", "archive payload", "object", objName, "err", err)
	}
}

func (o *Orchestrator) notify(log gklog.Logger, msg *message.Message) {
	if o.pub == nil {
		return
	}

	if err := o.pub.Pub(o.cfg.Notifier.Subject, msg); err != nil {
		level.Warn(log).Log("msg", "publish status", "err", err)
	}
}
