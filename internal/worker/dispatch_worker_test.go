package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignite/campaign-dispatch/internal/alert"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/service/dispatch"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeDispatcher struct {
	result  *dispatch.Result
	err     error
	calls   int
	batchID string
	opts    dispatch.Options
}

func (f *fakeDispatcher) DispatchBatch(ctx context.Context, batchID string, opts dispatch.Options) (*dispatch.Result, error) {
	f.calls++
	f.batchID = batchID
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeJobQueue struct {
	requeued []*queue.Job
	released []*queue.Job
}

func (f *fakeJobQueue) Reserve(ctx context.Context) (*queue.Job, error) {
	return nil, queue.ErrEmpty
}

func (f *fakeJobQueue) Requeue(ctx context.Context, job *queue.Job, delay time.Duration) error {
	f.requeued = append(f.requeued, job)
	return nil
}

func (f *fakeJobQueue) Release(ctx context.Context, job *queue.Job, delay time.Duration) error {
	f.released = append(f.released, job)
	return nil
}

type recordingSink struct {
	alerts []alert.Alert
}

func (r *recordingSink) Push(ctx context.Context, a alert.Alert) {
	r.alerts = append(r.alerts, a)
}

func dispatchJob(t *testing.T, batchID string, attempts, maxAttempts int) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.DispatchBatchPayload{CampaignID: "camp-1", BatchID: batchID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{
		ID:          "job-1",
		Type:        queue.JobDispatchBatch,
		Payload:     payload,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

func newTestWorker(dispatcher *fakeDispatcher, jobs *fakeJobQueue, sink alert.Sink) *DispatchWorker {
	w := NewDispatchWorker(dispatcher, jobs, sink, DispatchWorkerConfig{SendLimit: 100, MaxAttempts: 2})
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// =============================================================================
// TESTS
// =============================================================================

func TestDispatchWorker_ConfigDefaults(t *testing.T) {
	w := NewDispatchWorker(&fakeDispatcher{}, &fakeJobQueue{}, nil, DispatchWorkerConfig{})

	if w.config.NumWorkers != 4 {
		t.Errorf("NumWorkers = %d, want 4", w.config.NumWorkers)
	}
	if w.config.SendLimit != 200 {
		t.Errorf("SendLimit = %d, want 200", w.config.SendLimit)
	}
	if w.config.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", w.config.PollInterval)
	}
	if w.config.Backoff != 30*time.Second {
		t.Errorf("Backoff = %v, want 30s", w.config.Backoff)
	}
}

func TestDispatchWorker_StartStop(t *testing.T) {
	w := NewDispatchWorker(&fakeDispatcher{result: &dispatch.Result{}}, &fakeJobQueue{}, nil,
		DispatchWorkerConfig{NumWorkers: 2, PollInterval: 10 * time.Millisecond})

	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if !running {
		t.Error("worker not running after Start()")
	}

	if err := w.Start(); err == nil {
		t.Error("double Start() should return error")
	}

	w.Stop()

	w.mu.Lock()
	running = w.running
	w.mu.Unlock()
	if running {
		t.Error("worker still running after Stop()")
	}
}

func TestDispatchWorker_ProcessCompletedBatch(t *testing.T) {
	dispatcher := &fakeDispatcher{result: &dispatch.Result{BatchID: "b-1", Sent: 10, Failed: 2, Remaining: 0}}
	jobs := &fakeJobQueue{}
	w := newTestWorker(dispatcher, jobs, nil)

	w.process(0, dispatchJob(t, "b-1", 1, 3))

	if dispatcher.calls != 1 || dispatcher.batchID != "b-1" {
		t.Errorf("dispatcher called %d times for %q", dispatcher.calls, dispatcher.batchID)
	}
	if dispatcher.opts.Limit != 100 || dispatcher.opts.MaxAttempts != 2 {
		t.Errorf("opts = %+v, want config values passed through", dispatcher.opts)
	}
	stats := w.Stats()
	if stats["jobs_done"] != 1 || stats["total_sent"] != 10 || stats["total_failed"] != 2 {
		t.Errorf("stats = %v", stats)
	}
	if len(jobs.requeued) != 0 || len(jobs.released) != 0 {
		t.Error("finished job was put back on the queue")
	}
}

func TestDispatchWorker_ProcessRequeuesUnfinishedBatch(t *testing.T) {
	dispatcher := &fakeDispatcher{result: &dispatch.Result{BatchID: "b-1", Sent: 200, Remaining: 800}}
	jobs := &fakeJobQueue{}
	w := newTestWorker(dispatcher, jobs, nil)

	w.process(0, dispatchJob(t, "b-1", 1, 3))

	if len(jobs.requeued) != 1 {
		t.Fatalf("requeued = %d, want 1", len(jobs.requeued))
	}
	if got := atomic.LoadInt64(&w.jobsDone); got != 0 {
		t.Errorf("jobsDone = %d, want 0 for an unfinished batch", got)
	}
	if got := atomic.LoadInt64(&w.totalSent); got != 200 {
		t.Errorf("totalSent = %d, want 200", got)
	}
}

func TestDispatchWorker_ProcessDropsBadPayload(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	jobs := &fakeJobQueue{}
	w := newTestWorker(dispatcher, jobs, nil)

	w.process(0, &queue.Job{ID: "job-1", Type: queue.JobDispatchBatch, Payload: []byte("{")})

	if dispatcher.calls != 0 {
		t.Error("dispatcher called with unparseable payload")
	}
	if got := atomic.LoadInt64(&w.jobsFailed); got != 1 {
		t.Errorf("jobsFailed = %d, want 1", got)
	}
	if len(jobs.released) != 0 {
		t.Error("undecodable job should be dropped, not released")
	}
}

func TestDispatchWorker_ProcessDropsUnknownType(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	w := newTestWorker(dispatcher, &fakeJobQueue{}, nil)

	w.process(0, &queue.Job{ID: "job-1", Type: "mystery"})

	if dispatcher.calls != 0 {
		t.Error("dispatcher called for unknown job type")
	}
}

func TestDispatchWorker_FailedJobReleasedForRetry(t *testing.T) {
	dispatcher := &fakeDispatcher{err: errors.New("db unavailable")}
	jobs := &fakeJobQueue{}
	sink := &recordingSink{}
	w := newTestWorker(dispatcher, jobs, sink)

	w.process(0, dispatchJob(t, "b-1", 1, 3))

	if len(jobs.released) != 1 {
		t.Fatalf("released = %d, want 1", len(jobs.released))
	}
	if got := atomic.LoadInt64(&w.jobsFailed); got != 1 {
		t.Errorf("jobsFailed = %d, want 1", got)
	}
	if len(sink.alerts) != 0 {
		t.Errorf("alerts = %d, want none while attempts remain", len(sink.alerts))
	}
}

func TestDispatchWorker_ExhaustedJobDroppedWithAlert(t *testing.T) {
	dispatcher := &fakeDispatcher{err: errors.New("campaign has no usable message content")}
	jobs := &fakeJobQueue{}
	sink := &recordingSink{}
	w := newTestWorker(dispatcher, jobs, sink)

	w.process(0, dispatchJob(t, "b-1", 3, 3))

	if len(jobs.released) != 0 {
		t.Error("exhausted job was released back onto the queue")
	}
	if len(sink.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(sink.alerts))
	}
	if sink.alerts[0].Severity != alert.SeverityCritical {
		t.Errorf("alert severity = %s, want critical", sink.alerts[0].Severity)
	}
	if sink.alerts[0].Context["batch_id"] != "b-1" {
		t.Errorf("alert context = %v", sink.alerts[0].Context)
	}
}
