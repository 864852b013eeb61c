// Package worker runs the background consumers of the dispatch job queue.
// Each worker reserves one job at a time, drives the dispatch service for
// that batch, and either finishes the job, requeues it with backoff when
// the batch still has outstanding sends, or releases it after a failure.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/alert"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/service/dispatch"
)

// Dispatcher is the slice of the dispatch service the worker drives.
type Dispatcher interface {
	DispatchBatch(ctx context.Context, batchID string, opts dispatch.Options) (*dispatch.Result, error)
}

// JobQueue is the queue surface the worker consumes.
type JobQueue interface {
	Reserve(ctx context.Context) (*queue.Job, error)
	Requeue(ctx context.Context, job *queue.Job, delay time.Duration) error
	Release(ctx context.Context, job *queue.Job, delay time.Duration) error
}

// DispatchWorkerConfig holds worker pool configuration.
type DispatchWorkerConfig struct {
	NumWorkers   int           // concurrent consumers; default 4
	SendLimit    int           // per-cycle send cap passed to the dispatcher; default 200
	MaxAttempts  int           // per-send delivery attempts; default 3
	PollInterval time.Duration // sleep when the queue is empty; default 5s
	Backoff      time.Duration // requeue delay for unfinished batches; default 30s
}

func (c *DispatchWorkerConfig) applyDefaults() {
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	if c.SendLimit <= 0 {
		c.SendLimit = 200
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 30 * time.Second
	}
}

// DispatchWorker is the dispatch job consumer pool.
type DispatchWorker struct {
	dispatcher Dispatcher
	jobs       JobQueue
	alerts     alert.Sink
	config     DispatchWorkerConfig
	workerID   string

	totalSent    int64
	totalFailed  int64
	jobsDone     int64
	jobsFailed   int64
	lastActivity int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewDispatchWorker creates the worker pool.
func NewDispatchWorker(dispatcher Dispatcher, jobs JobQueue, alerts alert.Sink, config DispatchWorkerConfig) *DispatchWorker {
	config.applyDefaults()
	if alerts == nil {
		alerts = alert.LogSink{}
	}
	return &DispatchWorker{
		dispatcher: dispatcher,
		jobs:       jobs,
		alerts:     alerts,
		config:     config,
		workerID:   fmt.Sprintf("dispatch-%s", uuid.New().String()[:8]),
	}
}

// Start launches the consumer goroutines.
func (w *DispatchWorker) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("dispatch worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	atomic.StoreInt64(&w.lastActivity, time.Now().Unix())

	log.Printf("[DispatchWorker] %s starting %d workers (limit=%d, backoff=%s)",
		w.workerID, w.config.NumWorkers, w.config.SendLimit, w.config.Backoff)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(i)
	}
	return nil
}

// Stop waits for in-flight jobs to finish their current dispatch cycle.
func (w *DispatchWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	log.Println("[DispatchWorker] Stopping workers...")
	w.wg.Wait()

	log.Printf("[DispatchWorker] Stopped. Jobs done: %d, jobs failed: %d, sent: %d, failed sends: %d",
		atomic.LoadInt64(&w.jobsDone),
		atomic.LoadInt64(&w.jobsFailed),
		atomic.LoadInt64(&w.totalSent),
		atomic.LoadInt64(&w.totalFailed))
}

// Stats returns cumulative counters for the health endpoint.
func (w *DispatchWorker) Stats() map[string]int64 {
	return map[string]int64{
		"jobs_done":     atomic.LoadInt64(&w.jobsDone),
		"jobs_failed":   atomic.LoadInt64(&w.jobsFailed),
		"total_sent":    atomic.LoadInt64(&w.totalSent),
		"total_failed":  atomic.LoadInt64(&w.totalFailed),
		"last_activity": atomic.LoadInt64(&w.lastActivity),
	}
}

func (w *DispatchWorker) run(workerNum int) {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		job, err := w.jobs.Reserve(w.ctx)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				w.sleep(w.config.PollInterval)
				continue
			}
			if w.ctx.Err() != nil {
				return
			}
			log.Printf("[DispatchWorker %d] Reserve failed: %v", workerNum, err)
			w.sleep(w.config.PollInterval)
			continue
		}

		atomic.StoreInt64(&w.lastActivity, time.Now().Unix())
		w.process(workerNum, job)
	}
}

// process handles one reserved job to completion, requeue, or drop.
func (w *DispatchWorker) process(workerNum int, job *queue.Job) {
	if job.Type != queue.JobDispatchBatch {
		log.Printf("[DispatchWorker %d] Dropping job %s with unknown type %q", workerNum, job.ID, job.Type)
		return
	}

	var payload queue.DispatchBatchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.BatchID == "" {
		atomic.AddInt64(&w.jobsFailed, 1)
		log.Printf("[DispatchWorker %d] Dropping job %s with bad payload: %v", workerNum, job.ID, err)
		return
	}

	result, err := w.dispatcher.DispatchBatch(w.ctx, payload.BatchID, dispatch.Options{
		Limit:       w.config.SendLimit,
		MaxAttempts: w.config.MaxAttempts,
	})
	if err != nil {
		w.failJob(workerNum, job, payload.BatchID, err)
		return
	}

	atomic.AddInt64(&w.totalSent, int64(result.Sent))
	atomic.AddInt64(&w.totalFailed, int64(result.Failed))

	if result.Remaining > 0 {
		// Not done: throttled or more sends than one cycle allows.
		if err := w.jobs.Requeue(w.ctx, job, w.config.Backoff); err != nil {
			log.Printf("[DispatchWorker %d] Requeue job %s: %v", workerNum, job.ID, err)
		}
		log.Printf("[DispatchWorker %d] Batch %s processed (sent=%d, failed=%d, remaining=%d) -> requeued",
			workerNum, payload.BatchID, result.Sent, result.Failed, result.Remaining)
		return
	}

	atomic.AddInt64(&w.jobsDone, 1)
	log.Printf("[DispatchWorker %d] Batch %s processed (sent=%d, failed=%d) -> done",
		workerNum, payload.BatchID, result.Sent, result.Failed)
}

// failJob releases a failed job for another attempt, or drops it with an
// alert once its attempts are exhausted.
func (w *DispatchWorker) failJob(workerNum int, job *queue.Job, batchID string, dispatchErr error) {
	atomic.AddInt64(&w.jobsFailed, 1)
	log.Printf("[DispatchWorker %d] Job %s (batch %s) failed: %v", workerNum, job.ID, batchID, dispatchErr)

	if job.Exhausted() {
		w.alerts.Push(w.ctx, alert.Alert{
			Source:   "email.worker",
			Severity: alert.SeverityCritical,
			Message:  "dispatch job dropped after exhausting attempts",
			Context: map[string]interface{}{
				"job_id":   job.ID,
				"batch_id": batchID,
				"attempts": job.Attempts,
				"error":    dispatchErr.Error(),
			},
		})
		return
	}

	if err := w.jobs.Release(w.ctx, job, w.config.Backoff); err != nil {
		log.Printf("[DispatchWorker %d] Release job %s: %v", workerNum, job.ID, err)
	}
}

// sleep waits for the poll interval or shutdown, whichever comes first.
func (w *DispatchWorker) sleep(d time.Duration) {
	select {
	case <-w.ctx.Done():
	case <-time.After(d):
	}
}
