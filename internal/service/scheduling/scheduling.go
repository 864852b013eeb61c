// Package scheduling materializes a campaign's recipient stream into durable
// dispatch batches. Recipients are read page by page, validated, accumulated
// into fixed-size chunks, and each chunk is persisted as one batch plus its
// sends in a single transaction, with one dispatch job enqueued per batch.
package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/repository"
)

// DispatchPriority is the queue priority for dispatch jobs created at
// schedule time. Lower values are reserved first.
const DispatchPriority = 10

var (
	ErrCampaignNotFound = errors.New("scheduling: campaign not found")
	ErrNotSchedulable   = errors.New("scheduling: campaign status does not allow scheduling")
	ErrNoRecipients     = errors.New("scheduling: no eligible recipients found")
	ErrScheduleInFlight = errors.New("scheduling: another schedule run holds the campaign lock")
)

// CampaignStore is the slice of campaign persistence the scheduler needs.
type CampaignStore interface {
	Find(ctx context.Context, id string) (*domain.Campaign, error)
	UpdateStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error
}

// BatchStore persists one batch with its sends atomically.
type BatchStore interface {
	CreateWithSends(ctx context.Context, batch *domain.Batch, sends []domain.Send) (string, error)
}

// Pager yields one page of recipients per call; an empty page ends the
// stream. Pages are ordered by the source's primary key so no recipient is
// repeated or skipped across page boundaries.
type Pager interface {
	NextPage(ctx context.Context) ([]domain.Recipient, error)
}

// RecipientSource opens the recipient stream configured on a campaign.
type RecipientSource interface {
	Open(campaign *domain.Campaign, pageSize int) (Pager, error)
}

// JobQueue enqueues dispatch jobs, one per persisted batch.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, priority int) (string, error)
}

// Locker guards one campaign's schedule run against concurrent re-runs.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory creates a lock for the given key.
type LockFactory func(key string) Locker

// Options tunes one Schedule call. Zero values take the documented defaults.
type Options struct {
	BatchSize     int // recipients per batch; default 1000, floor 100
	MinBatchSize  int // smallest final batch to flush; default BatchSize/2, floor 50
	MaxRecipients int // hard cap on scheduled recipients; 0 means unlimited
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.BatchSize < 100 {
		o.BatchSize = 100
	}
	if o.MinBatchSize <= 0 {
		o.MinBatchSize = o.BatchSize / 2
	}
	if o.MinBatchSize < 50 {
		o.MinBatchSize = 50
	}
	if o.MaxRecipients < 0 {
		o.MaxRecipients = 0
	}
}

// Result reports what one Schedule call produced.
type Result struct {
	CampaignID string   `json:"campaign_id"`
	Batches    int      `json:"batches"`
	Recipients int      `json:"recipients"`
	BatchIDs   []string `json:"batch_ids"`
}

// Service is the campaign scheduler.
type Service struct {
	campaigns CampaignStore
	batches   BatchStore
	source    RecipientSource
	jobs      JobQueue
	newLock   LockFactory
	pageSize  int
}

// New creates a scheduler. pageSize controls how many recipients one source
// read returns; values below 1 fall back to 1000.
func New(campaigns CampaignStore, batches BatchStore, source RecipientSource, jobs JobQueue, newLock LockFactory, pageSize int) *Service {
	if pageSize < 1 {
		pageSize = 1000
	}
	return &Service{
		campaigns: campaigns,
		batches:   batches,
		source:    source,
		jobs:      jobs,
		newLock:   newLock,
		pageSize:  pageSize,
	}
}

// Schedule partitions a campaign's eligible recipients into batches and
// enqueues one dispatch job per batch. Only campaigns in draft, paused or
// ready may be scheduled. Invalid addresses are skipped without counting
// against any batch. A final partial chunk is flushed only when it reaches
// MinBatchSize or when it is the sole chunk, so a non-empty recipient set
// always yields at least one batch.
//
// Each batch flush is its own transaction. A crash mid-stream leaves
// already-flushed batches intact; re-running Schedule on a campaign whose
// status was never advanced re-creates the remaining batches and may
// duplicate sends for recipients of batches flushed before the crash. The
// campaign lock prevents two schedule runs from interleaving.
func (s *Service) Schedule(ctx context.Context, campaignID string, opts Options) (*Result, error) {
	opts.applyDefaults()

	lock := s.newLock("schedule:campaign:" + campaignID)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduling: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrScheduleInFlight
	}
	defer lock.Release(context.WithoutCancel(ctx))

	campaign, err := s.campaigns.Find(ctx, campaignID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("scheduling: load campaign: %w", err)
	}
	if !campaign.Status.Schedulable() {
		return nil, fmt.Errorf("%w: status %s", ErrNotSchedulable, campaign.Status)
	}

	pager, err := s.source.Open(campaign, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("scheduling: open recipient source: %w", err)
	}

	result := &Result{CampaignID: campaignID}
	chunk := make([]domain.Recipient, 0, opts.BatchSize)

stream:
	for {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scheduling: read recipients: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, recipient := range page {
			if opts.MaxRecipients > 0 && result.Recipients+len(chunk) >= opts.MaxRecipients {
				break stream
			}

			email, ok := domain.SanitizeEmail(recipient.Email)
			if !ok {
				continue
			}
			recipient.Email = email
			chunk = append(chunk, recipient)

			if len(chunk) >= opts.BatchSize {
				if err := s.flush(ctx, campaign, chunk, result); err != nil {
					return nil, err
				}
				chunk = chunk[:0]
			}
		}
	}

	// The tail is flushed only if it is big enough to be worth a dispatch
	// cycle, or if it is all the campaign has.
	if len(chunk) > 0 && (len(chunk) >= opts.MinBatchSize || result.Batches == 0) {
		if err := s.flush(ctx, campaign, chunk, result); err != nil {
			return nil, err
		}
	}

	if result.Batches == 0 {
		return nil, ErrNoRecipients
	}

	if err := s.campaigns.UpdateStatus(ctx, campaignID, campaign.Status, domain.CampaignScheduled); err != nil {
		return nil, fmt.Errorf("scheduling: mark campaign scheduled: %w", err)
	}

	log.Printf("[Scheduler] Campaign %s scheduled: %d batches, %d recipients",
		campaignID, result.Batches, result.Recipients)
	return result, nil
}

// flush persists one chunk as a batch plus its sends and enqueues the
// dispatch job for it.
func (s *Service) flush(ctx context.Context, campaign *domain.Campaign, chunk []domain.Recipient, result *Result) error {
	batch := &domain.Batch{
		CampaignID:      campaign.ID,
		Status:          domain.BatchPending,
		TotalRecipients: len(chunk),
		ScheduledFor:    campaign.ScheduledFor,
	}

	sends := make([]domain.Send, 0, len(chunk))
	for _, r := range chunk {
		metadata, err := json.Marshal(map[string]interface{}{
			"source":    r.Source,
			"source_id": r.SourceID,
		})
		if err != nil {
			return fmt.Errorf("scheduling: encode send metadata: %w", err)
		}
		sends = append(sends, domain.Send{
			CampaignID:  campaign.ID,
			AccountID:   campaign.AccountID,
			ContactID:   r.ContactID,
			ClientID:    r.ClientID,
			ProspectID:  r.ProspectID,
			TargetEmail: r.Email,
			TargetName:  r.Name,
			Status:      domain.SendPending,
			ScheduledAt: campaign.ScheduledFor,
			Metadata:    metadata,
		})
	}

	batchID, err := s.batches.CreateWithSends(ctx, batch, sends)
	if err != nil {
		return fmt.Errorf("scheduling: persist batch: %w", err)
	}

	payload := queue.DispatchBatchPayload{CampaignID: campaign.ID, BatchID: batchID}
	if _, err := s.jobs.Enqueue(ctx, queue.JobDispatchBatch, payload, DispatchPriority); err != nil {
		return fmt.Errorf("scheduling: enqueue dispatch job for batch %s: %w", batchID, err)
	}

	result.Batches++
	result.Recipients += len(chunk)
	result.BatchIDs = append(result.BatchIDs, batchID)
	return nil
}
