// Package queue implements the dispatch job queue on Redis. Jobs are JSON
// payloads held in a priority ZSET; delayed jobs sit in a second ZSET keyed
// by their available-at time and are promoted on reserve.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// JobDispatchBatch processes one campaign batch.
	JobDispatchBatch = "dispatch_batch"

	readyKey   = "campaign:jobs:ready"
	delayedKey = "campaign:jobs:delayed"
)

// ErrEmpty is returned by Reserve when no job is ready.
var ErrEmpty = errors.New("queue: no jobs ready")

// Job is one unit of dispatch work. Attempts counts reservations, so a job
// released back after a failure carries its history with it.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Exhausted reports whether the job has used up its reservation budget.
func (j *Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

// DispatchBatchPayload is the payload for JobDispatchBatch jobs.
type DispatchBatchPayload struct {
	CampaignID string `json:"campaign_id"`
	BatchID    string `json:"batch_id"`
}

// Queue is the Redis-backed job queue shared by the scheduler (producer)
// and the dispatch workers (consumers).
type Queue struct {
	client      *redis.Client
	maxAttempts int
}

// New creates a queue. maxAttempts bounds how many times a job may be
// reserved before Reserve drops it; zero means unbounded.
func New(client *redis.Client, maxAttempts int) *Queue {
	return &Queue{client: client, maxAttempts: maxAttempts}
}

// Enqueue adds a job to the ready set. Lower priority values are reserved
// first; jobs with equal priority come out in enqueue order because the
// score embeds the enqueue timestamp.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, priority int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}

	job := Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     raw,
		Priority:    priority,
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}

	if err := q.push(ctx, readyKey, &job, readyScore(&job)); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Reserve promotes due delayed jobs, then pops the highest-priority ready
// job and increments its attempt count. Jobs that have exhausted their
// attempts are discarded and the next one is tried. Returns ErrEmpty when
// nothing is ready.
func (q *Queue) Reserve(ctx context.Context) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	for {
		members, err := q.client.ZPopMin(ctx, readyKey, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: pop: %w", err)
		}
		if len(members) == 0 {
			return nil, ErrEmpty
		}

		var job Job
		if err := json.Unmarshal([]byte(members[0].Member.(string)), &job); err != nil {
			// Malformed entry, drop it rather than wedge the queue.
			continue
		}

		job.Attempts++
		if job.MaxAttempts > 0 && job.Attempts > job.MaxAttempts {
			continue
		}
		return &job, nil
	}
}

// Release puts a reserved job back with a delay after a processing failure.
// The attempt consumed by the reservation stays counted.
func (q *Queue) Release(ctx context.Context, job *Job, delay time.Duration) error {
	if job.Exhausted() {
		return fmt.Errorf("queue: job %s has exhausted %d attempts", job.ID, job.MaxAttempts)
	}
	return q.delay(ctx, job, delay)
}

// Requeue puts a reserved job back for continuation without charging an
// attempt. Used when a dispatch cycle made progress but the batch still has
// outstanding sends, or was throttled and must wait for the next window.
func (q *Queue) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	if job.Attempts > 0 {
		job.Attempts--
	}
	return q.delay(ctx, job, delay)
}

func (q *Queue) delay(ctx context.Context, job *Job, delay time.Duration) error {
	if delay <= 0 {
		return q.push(ctx, readyKey, job, readyScore(job))
	}
	availableAt := time.Now().UTC().Add(delay)
	return q.push(ctx, delayedKey, job, float64(availableAt.UnixMilli()))
}

// Depth reports the total number of queued jobs, ready plus delayed. The
// health service treats this as the pipeline's global backlog.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	ready, err := q.client.ZCard(ctx, readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return ready + delayed, nil
}

// promoteDue moves delayed jobs whose time has come into the ready set.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := time.Now().UTC().UnixMilli()
	members, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: promote: %w", err)
	}

	for _, m := range members {
		var job Job
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			q.client.ZRem(ctx, delayedKey, m)
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, delayedKey, m)
		pipe.ZAdd(ctx, readyKey, redis.Z{Score: readyScore(&job), Member: m})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: promote: %w", err)
		}
	}
	return nil
}

func (q *Queue) push(ctx context.Context, key string, job *Job, score float64) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	if err := q.client.ZAdd(ctx, key, redis.Z{Score: score, Member: string(raw)}).Err(); err != nil {
		return fmt.Errorf("queue: push: %w", err)
	}
	return nil
}

// readyScore orders the ready set by priority first, enqueue time second.
// Priorities are small integers so the millisecond timestamp fits in the
// fractional ordering without collisions in practice.
func readyScore(job *Job) float64 {
	return float64(job.Priority)*1e13 + float64(job.EnqueuedAt.UnixMilli())
}
