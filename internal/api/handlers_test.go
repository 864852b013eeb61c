package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/repository"
	"github.com/ignite/campaign-dispatch/internal/service/health"
	"github.com/ignite/campaign-dispatch/internal/service/scheduling"
)

// =============================================================================
// FAKES
// =============================================================================

type stubWorkerStats struct {
	stats map[string]int64
}

func (s *stubWorkerStats) Stats() map[string]int64 { return s.stats }

// Scheduling fakes: only the paths exercised by handler tests are wired.

type notFoundCampaigns struct{}

func (notFoundCampaigns) Find(ctx context.Context, id string) (*domain.Campaign, error) {
	return nil, repository.ErrNotFound
}

func (notFoundCampaigns) UpdateStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error {
	return nil
}

type noopBatches struct{}

func (noopBatches) CreateWithSends(ctx context.Context, batch *domain.Batch, sends []domain.Send) (string, error) {
	return "", nil
}

type noopSource struct{}

func (noopSource) Open(campaign *domain.Campaign, pageSize int) (scheduling.Pager, error) {
	return nil, nil
}

type noopQueue struct{}

func (noopQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, priority int) (string, error) {
	return "", nil
}

type stubLock struct {
	acquired bool
}

func (s *stubLock) Acquire(ctx context.Context) (bool, error) { return s.acquired, nil }
func (s *stubLock) Release(ctx context.Context) error         { return nil }

// Health fakes.

type stubAccounts struct {
	accounts []domain.SendingAccount
}

func (s *stubAccounts) All(ctx context.Context) ([]domain.SendingAccount, error) {
	return s.accounts, nil
}

type stubRates struct{}

func (stubRates) Find(ctx context.Context, accountID string) (*domain.RateLimitState, error) {
	return nil, repository.ErrNotFound
}

type stubBatchCounts struct{}

func (stubBatchCounts) CountPendingByAccount(ctx context.Context, accountID string) (int, error) {
	return 0, nil
}

type stubSendCounts struct{}

func (stubSendCounts) CountOutstandingByAccount(ctx context.Context, accountID string) (int, error) {
	return 0, nil
}

type stubDepth struct {
	depth int64
}

func (s *stubDepth) Depth(ctx context.Context) (int64, error) { return s.depth, nil }

func newScheduler(lock *stubLock) *scheduling.Service {
	factory := func(key string) scheduling.Locker { return lock }
	return scheduling.New(notFoundCampaigns{}, noopBatches{}, noopSource{}, noopQueue{}, factory, 100)
}

func newHealthService(depth int64, accounts ...domain.SendingAccount) *health.Service {
	return health.New(&stubAccounts{accounts: accounts}, stubRates{}, stubBatchCounts{}, stubSendCounts{}, &stubDepth{depth: depth})
}

// =============================================================================
// TESTS
// =============================================================================

func TestScheduleCampaignNotFound(t *testing.T) {
	h := &Handlers{scheduler: newScheduler(&stubLock{acquired: true}), startTime: time.Now()}
	router := SetupRoutes(h, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/campaigns/missing/schedule", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "not found")
}

func TestScheduleCampaignConflictWhenLocked(t *testing.T) {
	h := &Handlers{scheduler: newScheduler(&stubLock{acquired: false}), startTime: time.Now()}
	router := SetupRoutes(h, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/campaigns/c-1/schedule", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestScheduleCampaignBadBody(t *testing.T) {
	h := &Handlers{scheduler: newScheduler(&stubLock{acquired: true}), startTime: time.Now()}
	router := SetupRoutes(h, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/campaigns/c-1/schedule", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthSummaryEndpoint(t *testing.T) {
	h := &Handlers{
		health:    newHealthService(3, domain.SendingAccount{ID: "acct-1", Name: "Main", HourlyLimit: 100}),
		startTime: time.Now(),
	}
	router := SetupRoutes(h, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/email/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Accounts []health.Summary `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Accounts, 1)
	assert.Equal(t, "acct-1", body.Accounts[0].AccountID)
	assert.Equal(t, int64(3), body.Accounts[0].Queues.PendingJobs)
}

func TestHealthAlertsEmptyIsArray(t *testing.T) {
	h := &Handlers{
		health:    newHealthService(0, domain.SendingAccount{ID: "acct-1"}),
		startTime: time.Now(),
	}
	router := SetupRoutes(h, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/email/health/alerts", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"alerts":[]}`, rec.Body.String())
}

func TestHealthAlertsThresholdOverrides(t *testing.T) {
	// Depth 10 is below the default threshold of 25 but above the override.
	h := &Handlers{
		health:    newHealthService(10, domain.SendingAccount{ID: "acct-1"}),
		startTime: time.Now(),
	}
	router := SetupRoutes(h, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/email/health/alerts?pending_jobs=5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Alerts []health.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, health.AlertPendingJobs, body.Alerts[0].Type)
}

func TestGetWorkerStats(t *testing.T) {
	h := &Handlers{
		workers:   &stubWorkerStats{stats: map[string]int64{"jobs_done": 12, "total_sent": 3400}},
		startTime: time.Now(),
	}
	router := SetupRoutes(h, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/workers/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(12), stats["jobs_done"])
}

func TestGetWorkerStatsWithoutPool(t *testing.T) {
	h := &Handlers{startTime: time.Now()}
	router := SetupRoutes(h, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/workers/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
