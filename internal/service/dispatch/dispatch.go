// Package dispatch pulls due sends from one batch, applies the sending
// account's rate-limit budget, drives the transport per recipient with
// bounded retries, and closes out batches and campaigns when their sends
// are exhausted. It is designed to run concurrently, one worker per batch;
// the only state shared across batches is the per-account rate-limit row,
// which is only ever mutated through a single atomic increment.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ignite/campaign-dispatch/internal/alert"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/mailer"
	"github.com/ignite/campaign-dispatch/internal/repository"
)

// StatusThrottled is reported when the account's send budget is exhausted
// for this cycle. Not an error: the caller re-enqueues the batch for later.
const StatusThrottled = "throttled"

// Configuration errors fail the whole call and must not be retried blindly
// by the job queue; per-recipient delivery failures never surface here.
var (
	ErrBatchNotFound    = errors.New("dispatch: batch not found")
	ErrCampaignNotFound = errors.New("dispatch: campaign not found for batch")
	ErrNoAccount        = errors.New("dispatch: no active sending account available")
	ErrNoContent        = errors.New("dispatch: campaign has no usable message content")
)

type CampaignStore interface {
	Find(ctx context.Context, id string) (*domain.Campaign, error)
	UpdateStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error
}

type BatchStore interface {
	Find(ctx context.Context, id string) (*domain.Batch, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	IncrementCounters(ctx context.Context, id string, processedDelta, failedDelta int) error
	CountOpenByCampaign(ctx context.Context, campaignID string) (int, error)
}

type SendStore interface {
	ListDue(ctx context.Context, batchID string, now time.Time, limit int) ([]domain.Send, error)
	CountOutstanding(ctx context.Context, batchID string) (int, error)
	MarkSent(ctx context.Context, id string, attempts int, sentAt time.Time) error
	MarkFailure(ctx context.Context, id string, status domain.SendStatus, attempts int, lastError string) error
}

type AccountStore interface {
	Find(ctx context.Context, id string) (*domain.SendingAccount, error)
	FindActiveSender(ctx context.Context) (*domain.SendingAccount, error)
}

type RateLimitStore interface {
	Find(ctx context.Context, accountID string) (*domain.RateLimitState, error)
	EnsureExists(ctx context.Context, accountID string, now time.Time) error
	ResetWindow(ctx context.Context, accountID string, now time.Time) error
	ResetDaily(ctx context.Context, accountID string, now time.Time) error
	Increment(ctx context.Context, accountID string, hourlyDelta, dailyDelta int) error
}

type EventStore interface {
	Append(ctx context.Context, sendID string, eventType domain.EventType, payload map[string]interface{}) error
}

// TransportFactory builds the delivery transport for an account. Injected
// so tests can substitute a recording fake for the real SMTP/SES clients.
type TransportFactory func(account *domain.SendingAccount) (mailer.Transport, error)

// Options tunes one DispatchBatch call. Zero values take the defaults.
type Options struct {
	Limit       int // max sends fetched this cycle; default 200, floor 1
	MaxAttempts int // delivery attempts before terminal failure; default 3, floor 1
}

func (o *Options) applyDefaults() {
	if o.Limit <= 0 {
		o.Limit = 200
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
}

// Result reports the outcome of one DispatchBatch call. Status echoes the
// batch status, or "throttled" when the cycle had zero budget.
type Result struct {
	BatchID   string `json:"batch_id"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Remaining int    `json:"remaining"`
	Status    string `json:"status"`
}

// Service drives delivery for one batch per call.
type Service struct {
	campaigns    CampaignStore
	batches      BatchStore
	sends        SendStore
	accounts     AccountStore
	rateLimits   RateLimitStore
	events       EventStore
	alerts       alert.Sink
	renderer     *mailer.Renderer
	newTransport TransportFactory
	now          func() time.Time
}

// New creates a dispatch service. newTransport defaults to the provider
// switch in the mailer package when nil.
func New(
	campaigns CampaignStore,
	batches BatchStore,
	sends SendStore,
	accounts AccountStore,
	rateLimits RateLimitStore,
	events EventStore,
	alerts alert.Sink,
	newTransport TransportFactory,
) *Service {
	if newTransport == nil {
		newTransport = mailer.NewTransport
	}
	if alerts == nil {
		alerts = alert.LogSink{}
	}
	return &Service{
		campaigns:    campaigns,
		batches:      batches,
		sends:        sends,
		accounts:     accounts,
		rateLimits:   rateLimits,
		events:       events,
		alerts:       alerts,
		renderer:     mailer.NewRenderer(),
		newTransport: newTransport,
		now:          time.Now,
	}
}

// DispatchBatch processes up to opts.Limit due sends from one batch.
//
// Calling it on a completed batch is a no-op success. Rate-limit exhaustion
// is reported as status "throttled" with nothing attempted. Per-recipient
// failures are recorded on the send and never abort the call; cancellation
// is honored between sends, never mid-delivery.
func (s *Service) DispatchBatch(ctx context.Context, batchID string, opts Options) (*Result, error) {
	opts.applyDefaults()

	batch, err := s.batches.Find(ctx, batchID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.alerts.Push(ctx, alert.Alert{
				Source:   "email.dispatch",
				Severity: alert.SeverityCritical,
				Message:  "batch not found",
				Context:  map[string]interface{}{"batch_id": batchID},
			})
			return nil, ErrBatchNotFound
		}
		return nil, fmt.Errorf("dispatch: load batch: %w", err)
	}

	campaign, err := s.campaigns.Find(ctx, batch.CampaignID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.alerts.Push(ctx, alert.Alert{
				Source:   "email.dispatch",
				Severity: alert.SeverityCritical,
				Message:  "campaign missing for batch",
				Context:  map[string]interface{}{"batch_id": batchID},
			})
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("dispatch: load campaign: %w", err)
	}

	if batch.Status == domain.BatchCompleted {
		return &Result{BatchID: batchID, Status: string(domain.BatchCompleted)}, nil
	}

	if batch.Status == domain.BatchPending {
		if err := s.batches.MarkProcessing(ctx, batchID); err != nil {
			return nil, fmt.Errorf("dispatch: mark batch processing: %w", err)
		}
		batch.Status = domain.BatchProcessing
	}

	if campaign.Status == domain.CampaignScheduled {
		if err := s.campaigns.UpdateStatus(ctx, campaign.ID, domain.CampaignScheduled, domain.CampaignSending); err != nil {
			// A concurrent batch worker may have advanced it already.
			if !errors.Is(err, repository.ErrInvalidTransition) {
				return nil, fmt.Errorf("dispatch: mark campaign sending: %w", err)
			}
		}
		campaign.Status = domain.CampaignSending
	}

	account, err := s.resolveAccount(ctx, campaign)
	if err != nil {
		return nil, err
	}
	if !campaign.HasContent() {
		return nil, ErrNoContent
	}
	transport, err := s.newTransport(account)
	if err != nil {
		return nil, fmt.Errorf("dispatch: build transport: %w", err)
	}

	now := s.now().UTC()
	due, err := s.sends.ListDue(ctx, batchID, now, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list due sends: %w", err)
	}

	if len(due) == 0 {
		remaining, err := s.sends.CountOutstanding(ctx, batchID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: count outstanding: %w", err)
		}
		if remaining == 0 {
			if err := s.closeBatchAndMaybeCampaign(ctx, batchID, campaign.ID); err != nil {
				return nil, err
			}
			return &Result{BatchID: batchID, Status: string(domain.BatchCompleted)}, nil
		}
		// Sends exist but none are due yet.
		return &Result{BatchID: batchID, Remaining: remaining, Status: string(batch.Status)}, nil
	}

	state, err := s.refreshRateState(ctx, account.ID, now)
	if err != nil {
		return nil, err
	}

	budget := computeBudget(account, state, opts.Limit)
	if budget == 0 {
		s.alerts.Push(ctx, alert.Alert{
			Source:   "email.dispatch",
			Severity: alert.SeverityWarning,
			Message:  "send limit reached, waiting for next window",
			Context: map[string]interface{}{
				"campaign_id": campaign.ID,
				"batch_id":    batchID,
				"account_id":  account.ID,
			},
		})
		remaining, err := s.sends.CountOutstanding(ctx, batchID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: count outstanding: %w", err)
		}
		return &Result{BatchID: batchID, Remaining: remaining, Status: StatusThrottled}, nil
	}

	if len(due) > budget {
		due = due[:budget]
	}

	var sent, failed int
	for i := range due {
		if err := ctx.Err(); err != nil {
			// Stop starting new sends; persist what completed.
			break
		}
		if s.deliverOne(ctx, transport, account, campaign, batchID, &due[i], opts.MaxAttempts) {
			sent++
		} else {
			failed++
		}
	}

	if sent > 0 {
		if err := s.rateLimits.Increment(ctx, account.ID, sent, sent); err != nil {
			return nil, fmt.Errorf("dispatch: increment rate counters: %w", err)
		}
	}
	if sent+failed > 0 {
		if err := s.batches.IncrementCounters(ctx, batchID, sent+failed, failed); err != nil {
			return nil, fmt.Errorf("dispatch: increment batch counters: %w", err)
		}
	}

	remaining, err := s.sends.CountOutstanding(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: count outstanding: %w", err)
	}

	status := string(batch.Status)
	if remaining == 0 {
		if err := s.closeBatchAndMaybeCampaign(ctx, batchID, campaign.ID); err != nil {
			return nil, err
		}
		status = string(domain.BatchCompleted)
	}

	log.Printf("[Dispatch] Batch %s: sent=%d failed=%d remaining=%d status=%s",
		batchID, sent, failed, remaining, status)

	return &Result{
		BatchID:   batchID,
		Sent:      sent,
		Failed:    failed,
		Remaining: remaining,
		Status:    status,
	}, nil
}

// deliverOne attempts delivery for a single send and persists the outcome.
// Returns true when the message was handed to the transport successfully.
// Persistence errors are logged but do not abort the batch loop; the send
// will be retried by a later cycle in the worst case.
func (s *Service) deliverOne(ctx context.Context, transport mailer.Transport, account *domain.SendingAccount, campaign *domain.Campaign, batchID string, send *domain.Send, maxAttempts int) bool {
	recipient, ok := domain.SanitizeEmail(send.TargetEmail)
	if !ok {
		// Malformed address: terminal immediately, no retry budget consumed.
		if err := s.sends.MarkFailure(ctx, send.ID, domain.SendFailed, send.Attempts+1, "invalid recipient address"); err != nil {
			log.Printf("[Dispatch] Send %s: persist validation failure: %v", send.ID, err)
		}
		s.logEvent(ctx, send.ID, domain.EventError, map[string]interface{}{"reason": "invalid_recipient"})
		s.alerts.Push(ctx, alert.Alert{
			Source:   "email.dispatch",
			Severity: alert.SeverityWarning,
			Message:  "invalid recipient address",
			Context: map[string]interface{}{
				"send_id":     send.ID,
				"batch_id":    batchID,
				"campaign_id": campaign.ID,
			},
		})
		return false
	}

	toName := send.TargetName
	if toName == "" {
		toName = recipient
	}

	content, renderErr := s.renderer.RenderMessage(campaign, send)
	if renderErr != nil {
		// Lax rendering: raw template content was returned, still sendable.
		log.Printf("[Dispatch] Send %s: template render fell back to raw content: %v", send.ID, renderErr)
	}
	msg := mailer.Message{
		FromEmail: account.FromEmail,
		FromName:  account.FromName,
		ToEmail:   recipient,
		ToName:    toName,
		ReplyTo:   account.ReplyTo,
		Subject:   content.Subject,
		HTMLBody:  content.HTMLBody,
		TextBody:  content.TextBody,
		Headers:   mailer.MergeHeaders(account.Headers, campaign.Headers),
	}

	attempts := send.Attempts + 1
	raw, err := mailer.BuildMIME(msg)
	if err == nil {
		err = transport.Send(ctx, mailer.Envelope{From: account.FromEmail, To: recipient}, raw)
	}

	if err != nil {
		status := domain.SendRetry
		if attempts >= maxAttempts {
			status = domain.SendFailed
		}
		if perr := s.sends.MarkFailure(ctx, send.ID, status, attempts, err.Error()); perr != nil {
			log.Printf("[Dispatch] Send %s: persist delivery failure: %v", send.ID, perr)
		}
		s.logEvent(ctx, send.ID, domain.EventError, map[string]interface{}{"message": err.Error()})
		s.alerts.Push(ctx, alert.Alert{
			Source:   "email.dispatch",
			Severity: alert.SeverityWarning,
			Message:  "delivery failed",
			Context: map[string]interface{}{
				"send_id":     send.ID,
				"batch_id":    batchID,
				"campaign_id": campaign.ID,
				"account_id":  account.ID,
				"error":       err.Error(),
			},
		})
		return false
	}

	if perr := s.sends.MarkSent(ctx, send.ID, attempts, s.now().UTC()); perr != nil {
		log.Printf("[Dispatch] Send %s: persist sent state: %v", send.ID, perr)
	}
	s.logEvent(ctx, send.ID, domain.EventSent, map[string]interface{}{"recipient": recipient})
	return true
}

// resolveAccount prefers the campaign's explicit account and falls back to
// any active sender.
func (s *Service) resolveAccount(ctx context.Context, campaign *domain.Campaign) (*domain.SendingAccount, error) {
	if campaign.AccountID != nil && *campaign.AccountID != "" {
		account, err := s.accounts.Find(ctx, *campaign.AccountID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("dispatch: load account: %w", err)
		}
	}

	account, err := s.accounts.FindActiveSender(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoAccount
		}
		return nil, fmt.Errorf("dispatch: resolve active account: %w", err)
	}
	return account, nil
}

// refreshRateState loads the account's rate-limit row, bootstrapping a
// zeroed one on first dispatch and applying window resets as needed.
func (s *Service) refreshRateState(ctx context.Context, accountID string, now time.Time) (*domain.RateLimitState, error) {
	state, err := s.rateLimits.Find(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		if err := s.rateLimits.EnsureExists(ctx, accountID, now); err != nil {
			return nil, fmt.Errorf("dispatch: bootstrap rate state: %w", err)
		}
		state, err = s.rateLimits.Find(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: reload rate state: %w", err)
		}
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: load rate state: %w", err)
	}

	dirty := false
	if state.HourlyWindowExpired(now) {
		if err := s.rateLimits.ResetWindow(ctx, accountID, now); err != nil {
			return nil, fmt.Errorf("dispatch: reset hourly window: %w", err)
		}
		dirty = true
	}
	if state.DailyWindowExpired(now) {
		if err := s.rateLimits.ResetDaily(ctx, accountID, now); err != nil {
			return nil, fmt.Errorf("dispatch: reset daily window: %w", err)
		}
		dirty = true
	}
	if dirty {
		state, err = s.rateLimits.Find(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: reload rate state: %w", err)
		}
	}
	return state, nil
}

// computeBudget clamps the requested volume to the account's burst, hourly
// and daily limits. A limit of 0 means unlimited. The result is advisory: a
// concurrent batch sharing the account may observe the same headroom, so
// limits are soft by at most one in-flight batch's worth of sends.
func computeBudget(account *domain.SendingAccount, state *domain.RateLimitState, requested int) int {
	budget := requested

	if account.BurstLimit > 0 && budget > account.BurstLimit {
		budget = account.BurstLimit
	}
	if account.HourlyLimit > 0 {
		headroom := account.HourlyLimit - state.HourlySent
		if headroom < 0 {
			headroom = 0
		}
		if budget > headroom {
			budget = headroom
		}
	}
	if account.DailyLimit > 0 {
		headroom := account.DailyLimit - state.DailySent
		if headroom < 0 {
			headroom = 0
		}
		if budget > headroom {
			budget = headroom
		}
	}

	if budget < 0 {
		budget = 0
	}
	return budget
}

// closeBatchAndMaybeCampaign completes a batch and, when it was the
// campaign's last open batch, completes the campaign too.
func (s *Service) closeBatchAndMaybeCampaign(ctx context.Context, batchID, campaignID string) error {
	if err := s.batches.MarkCompleted(ctx, batchID); err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		return fmt.Errorf("dispatch: complete batch: %w", err)
	}

	open, err := s.batches.CountOpenByCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("dispatch: count open batches: %w", err)
	}
	if open == 0 {
		err := s.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignSending, domain.CampaignCompleted)
		if err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
			return fmt.Errorf("dispatch: complete campaign: %w", err)
		}
	}
	return nil
}

// logEvent appends an audit event; event write failures never interrupt a
// dispatch cycle.
func (s *Service) logEvent(ctx context.Context, sendID string, eventType domain.EventType, payload map[string]interface{}) {
	if err := s.events.Append(ctx, sendID, eventType, payload); err != nil {
		log.Printf("[Dispatch] Send %s: append %s event: %v", sendID, eventType, err)
	}
}
