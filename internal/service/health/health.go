// Package health aggregates per-account rate-limit usage and queue depth
// into dashboard summaries and threshold alerts. It only reads dispatch
// state; the alert structs it returns are handed to the caller, which
// decides where to push them.
package health

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/repository"
)

// Alert types reported by DetectAlerts.
const (
	AlertIMAPLag        = "imap_lag"
	AlertHourlyLimit    = "hourly_limit"
	AlertPendingBatches = "pending_batches"
	AlertPendingJobs    = "pending_jobs"
)

type AccountStore interface {
	All(ctx context.Context) ([]domain.SendingAccount, error)
}

type RateLimitStore interface {
	Find(ctx context.Context, accountID string) (*domain.RateLimitState, error)
}

type BatchStore interface {
	CountPendingByAccount(ctx context.Context, accountID string) (int, error)
}

type SendStore interface {
	CountOutstandingByAccount(ctx context.Context, accountID string) (int, error)
}

// JobQueue reports the global dispatch-job backlog.
type JobQueue interface {
	Depth(ctx context.Context) (int64, error)
}

// Thresholds tunes DetectAlerts. Zero values take the defaults.
type Thresholds struct {
	IMAPLagMinutes  int     // default 60, floor 1
	HourlyRatio     float64 // default 0.9, floor 0.1
	PendingBatches  int     // default 50, floor 1
	PendingJobDepth int     // default 25, floor 1
}

func (t *Thresholds) applyDefaults() {
	if t.IMAPLagMinutes < 1 {
		t.IMAPLagMinutes = 60
	}
	if t.HourlyRatio < 0.1 {
		t.HourlyRatio = 0.9
	}
	if t.PendingBatches < 1 {
		t.PendingBatches = 50
	}
	if t.PendingJobDepth < 1 {
		t.PendingJobDepth = 25
	}
}

// CounterUsage pairs a configured limit with its current usage.
type CounterUsage struct {
	Limit int `json:"limit"`
	Usage int `json:"usage"`
}

// IMAPState is the inbound sync health of an account, read from external
// sync metadata.
type IMAPState struct {
	Enabled    bool       `json:"enabled"`
	LastSyncAt *time.Time `json:"last_sync_at"`
	LagMinutes *int       `json:"lag_minutes"`
}

// QueueState is the per-account backlog plus the global job queue depth.
type QueueState struct {
	PendingBatches int   `json:"pending_batches"`
	PendingSends   int   `json:"pending_sends"`
	PendingJobs    int64 `json:"pending_jobs"`
}

// Summary is one account's health snapshot.
type Summary struct {
	AccountID string       `json:"account_id"`
	Name      string       `json:"name"`
	Status    string       `json:"status"`
	Provider  string       `json:"provider"`
	IMAP      IMAPState    `json:"imap"`
	Hourly    CounterUsage `json:"hourly"`
	Daily     CounterUsage `json:"daily"`
	Queues    QueueState   `json:"queues"`
}

// Alert is one threshold finding for an account.
type Alert struct {
	AccountID string `json:"account_id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
}

// Service is the health/alerting reader.
type Service struct {
	accounts   AccountStore
	rateLimits RateLimitStore
	batches    BatchStore
	sends      SendStore
	jobs       JobQueue
	now        func() time.Time
}

func New(accounts AccountStore, rateLimits RateLimitStore, batches BatchStore, sends SendStore, jobs JobQueue) *Service {
	return &Service{
		accounts:   accounts,
		rateLimits: rateLimits,
		batches:    batches,
		sends:      sends,
		jobs:       jobs,
		now:        time.Now,
	}
}

// Summarize builds one snapshot per sending account. Accounts without a
// rate-limit row (never dispatched) report zero usage.
func (s *Service) Summarize(ctx context.Context) ([]Summary, error) {
	accounts, err := s.accounts.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("health: list accounts: %w", err)
	}

	pendingJobs, err := s.jobs.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("health: queue depth: %w", err)
	}

	now := s.now().UTC()
	summaries := make([]Summary, 0, len(accounts))
	for i := range accounts {
		account := &accounts[i]

		var hourlyUsed, dailyUsed int
		state, err := s.rateLimits.Find(ctx, account.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("health: rate state for account %s: %w", account.ID, err)
		}
		if state != nil {
			hourlyUsed = state.HourlySent
			dailyUsed = state.DailySent
		}

		imap := IMAPState{Enabled: account.IMAPSyncEnabled}
		if account.IMAPLastSyncAt != nil {
			lag := int(math.Floor(now.Sub(*account.IMAPLastSyncAt).Minutes()))
			imap.LastSyncAt = account.IMAPLastSyncAt
			imap.LagMinutes = &lag
		}

		pendingBatches, err := s.batches.CountPendingByAccount(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("health: pending batches for account %s: %w", account.ID, err)
		}
		pendingSends, err := s.sends.CountOutstandingByAccount(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("health: pending sends for account %s: %w", account.ID, err)
		}

		summaries = append(summaries, Summary{
			AccountID: account.ID,
			Name:      account.Name,
			Status:    account.Status,
			Provider:  string(account.Provider),
			IMAP:      imap,
			Hourly:    CounterUsage{Limit: account.HourlyLimit, Usage: hourlyUsed},
			Daily:     CounterUsage{Limit: account.DailyLimit, Usage: dailyUsed},
			Queues: QueueState{
				PendingBatches: pendingBatches,
				PendingSends:   pendingSends,
				PendingJobs:    pendingJobs,
			},
		})
	}

	return summaries, nil
}

// DetectAlerts evaluates thresholds over the account summaries. The job
// queue depth is global, so detection stops after the first account raises
// a pending_jobs alert to avoid duplicating it per account.
func (s *Service) DetectAlerts(ctx context.Context, thresholds Thresholds) ([]Alert, error) {
	thresholds.applyDefaults()

	summaries, err := s.Summarize(ctx)
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	for _, summary := range summaries {
		if summary.IMAP.Enabled && summary.IMAP.LagMinutes != nil && *summary.IMAP.LagMinutes > thresholds.IMAPLagMinutes {
			alerts = append(alerts, Alert{
				AccountID: summary.AccountID,
				Type:      AlertIMAPLag,
				Message:   fmt.Sprintf("IMAP sync is %d minutes behind", *summary.IMAP.LagMinutes),
			})
		}

		if summary.Hourly.Limit > 0 {
			ratio := float64(summary.Hourly.Usage) / float64(summary.Hourly.Limit)
			if ratio >= thresholds.HourlyRatio {
				alerts = append(alerts, Alert{
					AccountID: summary.AccountID,
					Type:      AlertHourlyLimit,
					Message:   fmt.Sprintf("hourly usage at %.0f%% of quota", ratio*100),
				})
			}
		}

		if summary.Queues.PendingBatches >= thresholds.PendingBatches {
			alerts = append(alerts, Alert{
				AccountID: summary.AccountID,
				Type:      AlertPendingBatches,
				Message:   fmt.Sprintf("%d batches awaiting processing", summary.Queues.PendingBatches),
			})
		}

		if summary.Queues.PendingJobs >= int64(thresholds.PendingJobDepth) {
			alerts = append(alerts, Alert{
				AccountID: summary.AccountID,
				Type:      AlertPendingJobs,
				Message:   fmt.Sprintf("%d dispatch jobs queued", summary.Queues.PendingJobs),
			})
			break
		}
	}

	return alerts, nil
}
