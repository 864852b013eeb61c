package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ignite/campaign-dispatch/internal/alert"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/mailer"
	"github.com/ignite/campaign-dispatch/internal/repository"
)

// =============================================================================
// FAKES
// =============================================================================

type memCampaigns struct {
	byID    map[string]*domain.Campaign
	updates []domain.CampaignStatus
}

func (m *memCampaigns) Find(ctx context.Context, id string) (*domain.Campaign, error) {
	c, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (m *memCampaigns) UpdateStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error {
	c, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.Status != from || !from.CanTransition(to) {
		return repository.ErrInvalidTransition
	}
	c.Status = to
	m.updates = append(m.updates, to)
	return nil
}

type memBatches struct {
	byID map[string]*domain.Batch
}

func (m *memBatches) Find(ctx context.Context, id string) (*domain.Batch, error) {
	b, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return b, nil
}

func (m *memBatches) MarkProcessing(ctx context.Context, id string) error {
	b := m.byID[id]
	if b.Status != domain.BatchPending {
		return repository.ErrInvalidTransition
	}
	b.Status = domain.BatchProcessing
	return nil
}

func (m *memBatches) MarkCompleted(ctx context.Context, id string) error {
	m.byID[id].Status = domain.BatchCompleted
	return nil
}

func (m *memBatches) IncrementCounters(ctx context.Context, id string, processedDelta, failedDelta int) error {
	b := m.byID[id]
	b.ProcessedCount += processedDelta
	b.FailedCount += failedDelta
	return nil
}

func (m *memBatches) CountOpenByCampaign(ctx context.Context, campaignID string) (int, error) {
	open := 0
	for _, b := range m.byID {
		if b.CampaignID == campaignID && b.Status != domain.BatchCompleted {
			open++
		}
	}
	return open, nil
}

type memSends struct {
	sends []*domain.Send
}

func (m *memSends) ListDue(ctx context.Context, batchID string, now time.Time, limit int) ([]domain.Send, error) {
	var due []domain.Send
	for _, s := range m.sends {
		if len(due) >= limit {
			break
		}
		if s.BatchID != batchID || !s.Status.Outstanding() {
			continue
		}
		if s.ScheduledAt != nil && s.ScheduledAt.After(now) {
			continue
		}
		due = append(due, *s)
	}
	return due, nil
}

func (m *memSends) CountOutstanding(ctx context.Context, batchID string) (int, error) {
	count := 0
	for _, s := range m.sends {
		if s.BatchID == batchID && s.Status.Outstanding() {
			count++
		}
	}
	return count, nil
}

func (m *memSends) MarkSent(ctx context.Context, id string, attempts int, sentAt time.Time) error {
	s := m.find(id)
	s.Status = domain.SendSent
	s.Attempts = attempts
	s.SentAt = &sentAt
	s.LastError = nil
	return nil
}

func (m *memSends) MarkFailure(ctx context.Context, id string, status domain.SendStatus, attempts int, lastError string) error {
	s := m.find(id)
	s.Status = status
	s.Attempts = attempts
	s.LastError = &lastError
	return nil
}

func (m *memSends) find(id string) *domain.Send {
	for _, s := range m.sends {
		if s.ID == id {
			return s
		}
	}
	return nil
}

type memAccounts struct {
	byID   map[string]*domain.SendingAccount
	active *domain.SendingAccount
}

func (m *memAccounts) Find(ctx context.Context, id string) (*domain.SendingAccount, error) {
	a, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

func (m *memAccounts) FindActiveSender(ctx context.Context) (*domain.SendingAccount, error) {
	if m.active == nil {
		return nil, repository.ErrNotFound
	}
	return m.active, nil
}

type memRates struct {
	byID   map[string]*domain.RateLimitState
	resets []string
}

func (m *memRates) Find(ctx context.Context, accountID string) (*domain.RateLimitState, error) {
	s, ok := m.byID[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memRates) EnsureExists(ctx context.Context, accountID string, now time.Time) error {
	if _, ok := m.byID[accountID]; !ok {
		m.byID[accountID] = &domain.RateLimitState{AccountID: accountID, WindowStart: now, LastResetAt: now}
	}
	return nil
}

func (m *memRates) ResetWindow(ctx context.Context, accountID string, now time.Time) error {
	s := m.byID[accountID]
	s.HourlySent = 0
	s.WindowStart = now
	m.resets = append(m.resets, "hourly")
	return nil
}

func (m *memRates) ResetDaily(ctx context.Context, accountID string, now time.Time) error {
	s := m.byID[accountID]
	s.DailySent = 0
	s.LastResetAt = now
	m.resets = append(m.resets, "daily")
	return nil
}

func (m *memRates) Increment(ctx context.Context, accountID string, hourlyDelta, dailyDelta int) error {
	s := m.byID[accountID]
	s.HourlySent += hourlyDelta
	s.DailySent += dailyDelta
	return nil
}

type memEvents struct {
	appended []domain.EventType
}

func (m *memEvents) Append(ctx context.Context, sendID string, eventType domain.EventType, payload map[string]interface{}) error {
	m.appended = append(m.appended, eventType)
	return nil
}

type recordingSink struct {
	alerts []alert.Alert
}

func (r *recordingSink) Push(ctx context.Context, a alert.Alert) {
	r.alerts = append(r.alerts, a)
}

// fakeTransport records deliveries and fails addresses listed in failFor.
type fakeTransport struct {
	delivered []string
	failFor   map[string]error
}

func (f *fakeTransport) Send(ctx context.Context, env mailer.Envelope, raw []byte) error {
	if err, ok := f.failFor[env.To]; ok {
		return err
	}
	f.delivered = append(f.delivered, env.To)
	return nil
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	svc       *Service
	campaigns *memCampaigns
	batches   *memBatches
	sends     *memSends
	rates     *memRates
	events    *memEvents
	alerts    *recordingSink
	transport *fakeTransport
	now       time.Time
}

func newFixture(t *testing.T, sendCount int) *fixture {
	t.Helper()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	accountID := "acct-1"

	account := &domain.SendingAccount{
		ID:        accountID,
		Status:    "active",
		Provider:  domain.ProviderSMTP,
		FromEmail: "news@example.com",
		FromName:  "Example News",
	}
	campaign := &domain.Campaign{
		ID:        "camp-1",
		Status:    domain.CampaignScheduled,
		AccountID: &accountID,
		Subject:   "Hello",
		HTMLBody:  "<p>Hi</p>",
	}
	batch := &domain.Batch{
		ID:              "batch-1",
		CampaignID:      "camp-1",
		Status:          domain.BatchPending,
		TotalRecipients: sendCount,
	}

	sends := &memSends{}
	for i := 0; i < sendCount; i++ {
		sends.sends = append(sends.sends, &domain.Send{
			ID:          fmt.Sprintf("send-%d", i),
			CampaignID:  "camp-1",
			BatchID:     "batch-1",
			TargetEmail: fmt.Sprintf("user%d@example.com", i),
			Status:      domain.SendPending,
		})
	}

	f := &fixture{
		campaigns: &memCampaigns{byID: map[string]*domain.Campaign{"camp-1": campaign}},
		batches:   &memBatches{byID: map[string]*domain.Batch{"batch-1": batch}},
		sends:     sends,
		rates: &memRates{byID: map[string]*domain.RateLimitState{
			accountID: {AccountID: accountID, WindowStart: now, LastResetAt: now},
		}},
		events:    &memEvents{},
		alerts:    &recordingSink{},
		transport: &fakeTransport{failFor: map[string]error{}},
		now:       now,
	}

	accounts := &memAccounts{byID: map[string]*domain.SendingAccount{accountID: account}, active: account}
	f.svc = New(f.campaigns, f.batches, f.sends, accounts, f.rates, f.events, f.alerts,
		func(a *domain.SendingAccount) (mailer.Transport, error) { return f.transport, nil })
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) account() *domain.SendingAccount {
	acct, _ := f.svc.accounts.Find(context.Background(), "acct-1")
	return acct
}

// =============================================================================
// TESTS
// =============================================================================

func TestDispatchBatchNotFound(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.svc.DispatchBatch(context.Background(), "nope", Options{})
	if !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("DispatchBatch() error = %v, want ErrBatchNotFound", err)
	}
	if len(f.alerts.alerts) != 1 || f.alerts.alerts[0].Severity != alert.SeverityCritical {
		t.Errorf("alerts = %+v, want one critical", f.alerts.alerts)
	}
}

func TestDispatchCompletedBatchIsNoOp(t *testing.T) {
	f := newFixture(t, 2)
	f.batches.byID["batch-1"].Status = domain.BatchCompleted

	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}
	if result.Status != string(domain.BatchCompleted) {
		t.Errorf("Status = %q, want completed", result.Status)
	}
	if result.Sent != 0 || len(f.transport.delivered) != 0 {
		t.Error("completed batch attempted deliveries")
	}
}

func TestDispatchHappyPathCompletesBatchAndCampaign(t *testing.T) {
	f := newFixture(t, 3)

	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}

	if result.Sent != 3 || result.Failed != 0 || result.Remaining != 0 {
		t.Errorf("result = %+v, want 3 sent, 0 failed, 0 remaining", result)
	}
	if result.Status != string(domain.BatchCompleted) {
		t.Errorf("Status = %q, want completed", result.Status)
	}
	if len(f.transport.delivered) != 3 {
		t.Errorf("delivered = %d, want 3", len(f.transport.delivered))
	}

	// Batch and campaign both closed out.
	if got := f.batches.byID["batch-1"].Status; got != domain.BatchCompleted {
		t.Errorf("batch status = %s, want completed", got)
	}
	if got := f.campaigns.byID["camp-1"].Status; got != domain.CampaignCompleted {
		t.Errorf("campaign status = %s, want completed", got)
	}

	// Counters reflect exactly what was attempted.
	b := f.batches.byID["batch-1"]
	if b.ProcessedCount != 3 || b.FailedCount != 0 {
		t.Errorf("batch counters = %d/%d, want 3/0", b.ProcessedCount, b.FailedCount)
	}
	state := f.rates.byID["acct-1"]
	if state.HourlySent != 3 || state.DailySent != 3 {
		t.Errorf("rate counters = %d/%d, want 3/3", state.HourlySent, state.DailySent)
	}

	// Every send carries one attempt and a sent_at stamp.
	for _, s := range f.sends.sends {
		if s.Status != domain.SendSent || s.Attempts != 1 || s.SentAt == nil {
			t.Errorf("send %s = %s attempts=%d", s.ID, s.Status, s.Attempts)
		}
	}
	if len(f.events.appended) != 3 {
		t.Errorf("events = %d, want one per send", len(f.events.appended))
	}
}

func TestDispatchAdvancesStatusesOnFirstTouch(t *testing.T) {
	f := newFixture(t, 5)
	// Leave one send undeliverable-by-schedule so the batch stays open.
	future := f.now.Add(time.Hour)
	f.sends.sends[4].ScheduledAt = &future

	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}
	if result.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", result.Remaining)
	}
	if got := f.batches.byID["batch-1"].Status; got != domain.BatchProcessing {
		t.Errorf("batch status = %s, want processing", got)
	}
	if got := f.campaigns.byID["camp-1"].Status; got != domain.CampaignSending {
		t.Errorf("campaign status = %s, want sending", got)
	}
}

func TestDispatchThrottledWhenBudgetExhausted(t *testing.T) {
	f := newFixture(t, 10)
	f.account().HourlyLimit = 100
	f.rates.byID["acct-1"].HourlySent = 100

	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}
	if result.Status != StatusThrottled {
		t.Errorf("Status = %q, want %q", result.Status, StatusThrottled)
	}
	if result.Sent != 0 || len(f.transport.delivered) != 0 {
		t.Error("throttled cycle attempted deliveries")
	}
	if result.Remaining != 10 {
		t.Errorf("Remaining = %d, want 10", result.Remaining)
	}
	found := false
	for _, a := range f.alerts.alerts {
		if a.Severity == alert.SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Error("no warning alert pushed for throttled cycle")
	}
}

func TestDispatchTruncatesToHourlyHeadroom(t *testing.T) {
	f := newFixture(t, 10)
	f.account().HourlyLimit = 100
	f.rates.byID["acct-1"].HourlySent = 95

	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{Limit: 200})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}
	if result.Sent != 5 {
		t.Errorf("Sent = %d, want 5 (headroom)", result.Sent)
	}
	if result.Remaining != 5 {
		t.Errorf("Remaining = %d, want 5", result.Remaining)
	}
	if got := f.rates.byID["acct-1"].HourlySent; got != 100 {
		t.Errorf("HourlySent = %d, want 100", got)
	}
}

func TestDispatchBurstLimitCapsCycle(t *testing.T) {
	f := newFixture(t, 10)
	f.account().BurstLimit = 4

	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{Limit: 200})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}
	if result.Sent != 4 {
		t.Errorf("Sent = %d, want burst cap 4", result.Sent)
	}
}

func TestDispatchZeroLimitsMeanUnlimited(t *testing.T) {
	f := newFixture(t, 10)
	f.rates.byID["acct-1"].HourlySent = 1_000_000

	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}
	if result.Sent != 10 {
		t.Errorf("Sent = %d, want 10 despite huge counter", result.Sent)
	}
}

func TestDispatchResetsExpiredHourlyWindow(t *testing.T) {
	f := newFixture(t, 5)
	f.account().HourlyLimit = 100
	state := f.rates.byID["acct-1"]
	state.HourlySent = 100
	state.WindowStart = f.now.Add(-3601 * time.Second)

	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}
	if result.Status == StatusThrottled {
		t.Fatal("cycle throttled despite expired hourly window")
	}
	if result.Sent != 5 {
		t.Errorf("Sent = %d, want 5", result.Sent)
	}
	if len(f.rates.resets) == 0 || f.rates.resets[0] != "hourly" {
		t.Errorf("resets = %v, want hourly reset applied", f.rates.resets)
	}
	// Fresh window counts only this cycle.
	if got := f.rates.byID["acct-1"].HourlySent; got != 5 {
		t.Errorf("HourlySent = %d, want 5", got)
	}
}

func TestDispatchBootstrapsMissingRateState(t *testing.T) {
	f := newFixture(t, 2)
	delete(f.rates.byID, "acct-1")

	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}
	if result.Sent != 2 {
		t.Errorf("Sent = %d, want 2", result.Sent)
	}
	if _, ok := f.rates.byID["acct-1"]; !ok {
		t.Error("rate state row not bootstrapped")
	}
}

func TestDispatchRetriesThenFails(t *testing.T) {
	f := newFixture(t, 1)
	f.transport.failFor["user0@example.com"] = errors.New("connection refused")

	// First two cycles: failure moves the send to retry.
	for cycle := 1; cycle <= 2; cycle++ {
		result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{MaxAttempts: 3})
		if err != nil {
			t.Fatalf("cycle %d error: %v", cycle, err)
		}
		if result.Failed != 1 {
			t.Fatalf("cycle %d Failed = %d, want 1", cycle, result.Failed)
		}
		s := f.sends.sends[0]
		if s.Status != domain.SendRetry || s.Attempts != cycle {
			t.Fatalf("cycle %d: send = %s attempts=%d, want retry/%d", cycle, s.Status, s.Attempts, cycle)
		}
	}

	// Third failure exhausts the budget: terminal failed, batch closes.
	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("final cycle error: %v", err)
	}
	s := f.sends.sends[0]
	if s.Status != domain.SendFailed || s.Attempts != 3 {
		t.Errorf("send = %s attempts=%d, want failed/3", s.Status, s.Attempts)
	}
	if s.LastError == nil || *s.LastError != "connection refused" {
		t.Errorf("LastError = %v", s.LastError)
	}
	if result.Status != string(domain.BatchCompleted) {
		t.Errorf("Status = %q, want completed once nothing is outstanding", result.Status)
	}
}

func TestDispatchRecoversOnLaterAttempt(t *testing.T) {
	f := newFixture(t, 1)
	f.transport.failFor["user0@example.com"] = errors.New("greylisted")

	if _, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{MaxAttempts: 3}); err != nil {
		t.Fatalf("cycle 1 error: %v", err)
	}
	delete(f.transport.failFor, "user0@example.com")

	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("cycle 2 error: %v", err)
	}
	s := f.sends.sends[0]
	if s.Status != domain.SendSent || s.Attempts != 2 {
		t.Errorf("send = %s attempts=%d, want sent/2", s.Status, s.Attempts)
	}
	if s.LastError != nil {
		t.Errorf("LastError = %q, want cleared", *s.LastError)
	}
	if result.Sent != 1 {
		t.Errorf("Sent = %d, want 1", result.Sent)
	}
}

func TestDispatchInvalidRecipientFailsImmediately(t *testing.T) {
	f := newFixture(t, 2)
	f.sends.sends[0].TargetEmail = "not-an-address"

	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}
	if result.Sent != 1 || result.Failed != 1 {
		t.Errorf("result = %+v, want 1 sent / 1 failed", result)
	}
	s := f.sends.sends[0]
	if s.Status != domain.SendFailed {
		t.Errorf("status = %s, want failed with no retries for a bad address", s.Status)
	}
	// Only the valid recipient counts toward the rate limit.
	if got := f.rates.byID["acct-1"].HourlySent; got != 1 {
		t.Errorf("HourlySent = %d, want 1", got)
	}
}

func TestDispatchNoContent(t *testing.T) {
	f := newFixture(t, 1)
	f.campaigns.byID["camp-1"].Subject = ""

	_, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{})
	if !errors.Is(err, ErrNoContent) {
		t.Errorf("DispatchBatch() error = %v, want ErrNoContent", err)
	}
}

func TestDispatchFallsBackToActiveSender(t *testing.T) {
	f := newFixture(t, 1)
	missing := "gone"
	f.campaigns.byID["camp-1"].AccountID = &missing

	result, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}
	if result.Sent != 1 {
		t.Errorf("Sent = %d, want 1 via fallback account", result.Sent)
	}
}

func TestDispatchNoAccountAvailable(t *testing.T) {
	f := newFixture(t, 1)
	accounts := &memAccounts{byID: map[string]*domain.SendingAccount{}}
	f.svc.accounts = accounts
	f.campaigns.byID["camp-1"].AccountID = nil

	_, err := f.svc.DispatchBatch(context.Background(), "batch-1", Options{})
	if !errors.Is(err, ErrNoAccount) {
		t.Errorf("DispatchBatch() error = %v, want ErrNoAccount", err)
	}
}

func TestDispatchHonorsCancellationBetweenSends(t *testing.T) {
	f := newFixture(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.svc.DispatchBatch(ctx, "batch-1", Options{})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}
	if result.Sent != 0 {
		t.Errorf("Sent = %d, want 0 under canceled context", result.Sent)
	}
	if result.Remaining != 5 {
		t.Errorf("Remaining = %d, want all sends still outstanding", result.Remaining)
	}
}

func TestComputeBudget(t *testing.T) {
	tests := []struct {
		name      string
		account   domain.SendingAccount
		state     domain.RateLimitState
		requested int
		want      int
	}{
		{"no limits", domain.SendingAccount{}, domain.RateLimitState{}, 200, 200},
		{"burst cap", domain.SendingAccount{BurstLimit: 50}, domain.RateLimitState{}, 200, 50},
		{"hourly headroom", domain.SendingAccount{HourlyLimit: 100}, domain.RateLimitState{HourlySent: 95}, 200, 5},
		{"daily headroom", domain.SendingAccount{DailyLimit: 1000}, domain.RateLimitState{DailySent: 999}, 200, 1},
		{"hourly exhausted", domain.SendingAccount{HourlyLimit: 100}, domain.RateLimitState{HourlySent: 100}, 200, 0},
		{"counter overshoot clamps to zero", domain.SendingAccount{HourlyLimit: 100}, domain.RateLimitState{HourlySent: 140}, 200, 0},
		{"tightest limit wins", domain.SendingAccount{BurstLimit: 50, HourlyLimit: 100, DailyLimit: 1000}, domain.RateLimitState{HourlySent: 70, DailySent: 990}, 200, 10},
		{"request below all limits", domain.SendingAccount{BurstLimit: 50, HourlyLimit: 100}, domain.RateLimitState{}, 20, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeBudget(&tt.account, &tt.state, tt.requested)
			if got != tt.want {
				t.Errorf("computeBudget() = %d, want %d", got, tt.want)
			}
		})
	}
}
