package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/ValerySidorin/ferry/pkg/ingest/record"
	"github.com/ValerySidorin/ferry/pkg/queue/message"
	"github.com/ValerySidorin/ferry/pkg/tracker"
	"github.com/ValerySidorin/ferry/pkg/tracker/store/inmemory"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	validJSON      = `{"records":[{"field1":"value1","field2":123,"field3":"data1"}]}`
	missingField2X = `<?xml version="1.0"?><root><record><field1>value1</field1><field3>data1</field3></record></root>`
)

var errStore = errors.New("store unavailable")

// faultyTracker injects failures and pauses into a real in-memory tracker.
type faultyTracker struct {
	*tracker.Tracker

	advanceGate    chan struct{}
	placeholderErr error
	advanceErr     error
	replaceErr     error
	markFailedErr  error
}

func (f *faultyTracker) WritePlaceholder(ctx context.Context, submissionID string, format ingest.Format) error {
	if f.placeholderErr != nil {
		return f.placeholderErr
	}
	return f.Tracker.WritePlaceholder(ctx, submissionID, format)
}

func (f *faultyTracker) Advance(ctx context.Context, submissionID string, status record.Status) error {
	if f.advanceGate != nil {
		<-f.advanceGate
	}
	if f.advanceErr != nil {
		return f.advanceErr
	}
	return f.Tracker.Advance(ctx, submissionID, status)
}

func (f *faultyTracker) Replace(ctx context.Context, submissionID string, fields []ingest.Fields, status record.Status, format ingest.Format) error {
	if f.replaceErr != nil {
		return f.replaceErr
	}
	return f.Tracker.Replace(ctx, submissionID, fields, status, format)
}

func (f *faultyTracker) MarkFailed(ctx context.Context, submissionID string) error {
	if f.markFailedErr != nil {
		return f.markFailedErr
	}
	return f.Tracker.MarkFailed(ctx, submissionID)
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string]string
	meta    map[string]map[string]string
}

func (a *memArchive) Store(_ context.Context, objName string, r io.Reader, meta map[string]string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[objName] = string(b)
	a.meta[objName] = meta
	return nil
}

type memPublisher struct {
	mu     sync.Mutex
	msgs   []*message.Message
	closed bool
}

func (p *memPublisher) Pub(_ string, msg *message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *memPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *memPublisher) messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.msgs...)
}

func newTestTracker() *tracker.Tracker {
	return tracker.NewWithStore(inmemory.NewStore(), log.NewNopLogger())
}

func newTestOrchestrator(t *testing.T, tr Tracker, prepare ...func(o *Orchestrator)) *Orchestrator {
	cfg := Config{
		WorkerPool:      2,
		QueueSize:       10,
		StepTimeout:     time.Second,
		MaxPayloadBytes: 1 << 10,
	}

	o, err := New(context.Background(), cfg, tr, prometheus.NewPedanticRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	for _, fn := range prepare {
		fn(o)
	}

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), o))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), o)
	})

	return o
}

func awaitStatus(t *testing.T, tr *tracker.Tracker, submissionID string, status record.Status) *record.Snapshot {
	var snap *record.Snapshot
	require.Eventually(t, func() bool {
		s, err := tr.Snapshot(context.Background(), submissionID)
		if err != nil {
			return false
		}
		snap = s
		return s.Status == status
	}, 5*time.Second, 10*time.Millisecond, fmt.Sprintf("%s never reached %s", submissionID, status))

	return snap
}

func TestSubmitValidJSON(t *testing.T) {
	tr := newTestTracker()
	o := newTestOrchestrator(t, tr)

	runID, err := o.Submit(context.Background(), "acme", ingest.FormatJSON, []byte(validJSON))
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	snap := awaitStatus(t, tr, "acme", record.PROCESSED)
	require.Len(t, snap.Records, 1)

	rec := snap.Records[0]
	assert.Equal(t, "value1", rec.Field1)
	assert.Equal(t, int64(123), rec.Field2)
	assert.Equal(t, "data1", rec.Field3)
	assert.Equal(t, record.PROCESSED, rec.Status)
	assert.Equal(t, ingest.FormatJSON, rec.Format)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(o.metrics.runs.WithLabelValues("processed")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSubmitDeclaredFormatIsCaseInsensitive(t *testing.T) {
	tr := newTestTracker()
	o := newTestOrchestrator(t, tr)

	_, err := o.Submit(context.Background(), "acme", ingest.Format(" JSON"), []byte(validJSON))
	require.NoError(t, err)

	snap := awaitStatus(t, tr, "acme", record.PROCESSED)
	assert.Equal(t, ingest.FormatJSON, snap.Format)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, ingest.FormatJSON, snap.Records[0].Format)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err    error
		reason string
	}{
		{&ingest.FormatError{Format: ingest.FormatJSON, Reason: "empty body"}, "malformed"},
		{&ingest.ValidationError{Field: ingest.Field2}, "invalid"},
		{&ingest.TrackerWriteError{Op: "replace", Err: errStore}, "tracker"},
		{errors.New("normalize: recovered panic"), "internal"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.reason, failureReason(tc.err), tc.err.Error())
	}
}

func TestSubmitXMLMissingField2(t *testing.T) {
	tr := newTestTracker()
	o := newTestOrchestrator(t, tr)

	_, err := o.Submit(context.Background(), "acme", ingest.FormatXML, []byte(missingField2X))
	require.NoError(t, err)

	snap := awaitStatus(t, tr, "acme", record.FAILED)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "N/A", snap.Records[0].Field1)
	assert.Equal(t, record.FAILED, snap.Records[0].Status)
}

func TestSubmitEmptyBatch(t *testing.T) {
	tr := newTestTracker()
	o := newTestOrchestrator(t, tr)

	_, err := o.Submit(context.Background(), "acme", ingest.FormatJSON, []byte(`[]`))
	require.NoError(t, err)

	snap := awaitStatus(t, tr, "acme", record.PROCESSED)
	assert.Empty(t, snap.Records)
}

func TestSubmitMalformed(t *testing.T) {
	tr := newTestTracker()
	o := newTestOrchestrator(t, tr)

	_, err := o.Submit(context.Background(), "acme", ingest.FormatJSON, []byte(`{"field1":`))
	require.NoError(t, err)

	awaitStatus(t, tr, "acme", record.FAILED)
}

func TestSubmitDeduplicates(t *testing.T) {
	tr := newTestTracker()
	o := newTestOrchestrator(t, tr)

	payload := `[
		{"field1":"a","field2":"1","field3":"b"},
		{"field1":"a","field2":"1","field3":"b"},
		{"field1":"c","field2":2.0,"field3":""}
	]`
	_, err := o.Submit(context.Background(), "acme", ingest.FormatJSON, []byte(payload))
	require.NoError(t, err)

	snap := awaitStatus(t, tr, "acme", record.PROCESSED)
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "a", snap.Records[0].Field1)
	assert.Equal(t, int64(2), snap.Records[1].Field2)
	assert.Equal(t, "N/A", snap.Records[1].Field3)
}

func TestPlaceholderVisibleBeforeProcessing(t *testing.T) {
	tr := &faultyTracker{Tracker: newTestTracker(), advanceGate: make(chan struct{})}
	o := newTestOrchestrator(t, tr)

	_, err := o.Submit(context.Background(), "acme", ingest.FormatJSON, []byte(validJSON))
	require.NoError(t, err)

	snap, err := tr.Snapshot(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, record.UPLOADED, snap.Status)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "N/A", snap.Records[0].Field1)

	close(tr.advanceGate)
	awaitStatus(t, tr.Tracker, "acme", record.PROCESSED)
}

func TestCommitFailureMarksFailed(t *testing.T) {
	tr := &faultyTracker{Tracker: newTestTracker(), replaceErr: errStore}
	o := newTestOrchestrator(t, tr)

	_, err := o.Submit(context.Background(), "acme", ingest.FormatJSON, []byte(validJSON))
	require.NoError(t, err)

	snap := awaitStatus(t, tr.Tracker, "acme", record.FAILED)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "N/A", snap.Records[0].Field1)
}

func TestMarkFailedErrorIsSwallowed(t *testing.T) {
	tr := &faultyTracker{Tracker: newTestTracker(), advanceErr: errStore, markFailedErr: errStore}
	o := newTestOrchestrator(t, tr)

	_, err := o.Submit(context.Background(), "acme", ingest.FormatJSON, []byte(validJSON))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(o.metrics.runs.WithLabelValues("failed")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := tr.Snapshot(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, record.UPLOADED, snap.Status)
	assert.Equal(t, services.Running, o.State())
}

func TestPlaceholderRetriedInBackground(t *testing.T) {
	tr := &faultyTracker{Tracker: newTestTracker(), placeholderErr: errStore}
	o := newTestOrchestrator(t, tr)

	_, err := o.Submit(context.Background(), "acme", ingest.FormatJSON, []byte(validJSON))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(o.metrics.runs.WithLabelValues("failed")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = tr.Snapshot(context.Background(), "acme")
	assert.True(t, ingest.IsNotFound(err))
}

func TestTransformPanicMarksFailed(t *testing.T) {
	tr := newTestTracker()
	o := newTestOrchestrator(t, tr, func(o *Orchestrator) {
		o.normalize = func([]ingest.RawRecord) []ingest.Fields {
			panic("boom")
		}
	})

	_, err := o.Submit(context.Background(), "acme", ingest.FormatJSON, []byte(validJSON))
	require.NoError(t, err)

	awaitStatus(t, tr, "acme", record.FAILED)
}

func TestSubmitRejections(t *testing.T) {
	tr := newTestTracker()
	o := newTestOrchestrator(t, tr)
	ctx := context.Background()

	_, err := o.Submit(ctx, "", ingest.FormatJSON, []byte(validJSON))
	assert.True(t, errors.Is(err, ErrEmptySubmissionID))

	_, err = o.Submit(ctx, "acme", ingest.Format("csv"), []byte(validJSON))
	assert.True(t, ingest.IsUnsupportedFormat(err))

	_, err = o.Submit(ctx, "acme", ingest.FormatJSON, make([]byte, 2<<10))
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))

	_, err = tr.Snapshot(ctx, "acme")
	assert.True(t, ingest.IsNotFound(err))
}

func TestSubmitNotRunning(t *testing.T) {
	cfg := Config{WorkerPool: 1, QueueSize: 1, StepTimeout: time.Second}
	o, err := New(context.Background(), cfg, newTestTracker(), prometheus.NewPedanticRegistry(), log.NewNopLogger())
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), "acme", ingest.FormatJSON, []byte(validJSON))
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{WorkerPool: 0, StepTimeout: time.Second}, newTestTracker(), nil, log.NewNopLogger())
	assert.Error(t, err)

	_, err = New(context.Background(), Config{WorkerPool: 1}, newTestTracker(), nil, log.NewNopLogger())
	assert.Error(t, err)
}

func TestStopDrainsQueue(t *testing.T) {
	tr := newTestTracker()
	o := newTestOrchestrator(t, tr)
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		_, err := o.Submit(ctx, id, ingest.FormatJSON, []byte(validJSON))
		require.NoError(t, err)
	}

	require.NoError(t, services.StopAndAwaitTerminated(ctx, o))

	for _, id := range ids {
		snap, err := tr.Snapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, record.PROCESSED, snap.Status, id)
	}

	_, err := o.Submit(ctx, "late", ingest.FormatJSON, []byte(validJSON))
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestArchiveAndNotify(t *testing.T) {
	tr := newTestTracker()
	archive := &memArchive{objects: map[string]string{}, meta: map[string]map[string]string{}}
	pub := &memPublisher{}
	o := newTestOrchestrator(t, tr, func(o *Orchestrator) {
		o.archive = archive
		o.pub = pub
	})
	ctx := context.Background()

	okRun, err := o.Submit(ctx, "ok", ingest.FormatJSON, []byte(validJSON))
	require.NoError(t, err)
	badRun, err := o.Submit(ctx, "bad", ingest.FormatXML, []byte(missingField2X))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(pub.messages()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	byID := map[string]*message.Message{}
	for _, m := range pub.messages() {
		byID[m.SubmissionID] = m
	}
	assert.Equal(t, record.PROCESSED, byID["ok"].Status)
	assert.Equal(t, okRun, byID["ok"].RunID)
	assert.Equal(t, 1, byID["ok"].Records)
	assert.Equal(t, record.FAILED, byID["bad"].Status)
	assert.Equal(t, badRun, byID["bad"].RunID)
	assert.Contains(t, byID["bad"].Error, "field2")

	archive.mu.Lock()
	assert.Equal(t, validJSON, archive.objects["ok/"+okRun+".json"])
	assert.Equal(t, missingField2X, archive.objects["bad/"+badRun+".xml"])
	assert.Len(t, archive.meta["ok/"+okRun+".json"]["checksum"], 16)
	archive.mu.Unlock()

	require.NoError(t, services.StopAndAwaitTerminated(ctx, o))
	pub.mu.Lock()
	assert.True(t, pub.closed)
	pub.mu.Unlock()
}
