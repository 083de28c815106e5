package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ekaya-inc/patient-sync/pkg/auth"
	"github.com/ekaya-inc/patient-sync/pkg/models"
	"github.com/ekaya-inc/patient-sync/pkg/syncwire"
)

const testOwner = "owner-1"

// newOwnerRequest builds a request that has already passed auth middleware.
func newOwnerRequest(method, target string, body any) *http.Request {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewBuffer(data)
	}
	req := httptest.NewRequest(method, target, reader)
	claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: testOwner}}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func decodeBody[T any](rec *httptest.ResponseRecorder) (T, error) {
	var out T
	err := json.NewDecoder(rec.Body).Decode(&out)
	return out, err
}

// passthrough stands in for the owner-scope middleware.
func passthrough(next http.HandlerFunc) http.HandlerFunc { return next }

// ============================================================================
// Sync
// ============================================================================

type mockSyncService struct {
	pullSince  time.Time
	pullResult *models.PullResult
	batchReq   models.BatchedPullRequest
	batchRes   *models.BatchedPullResult
	pushed     *syncwire.Changes
	stats      *models.SyncStats
	statsSince time.Time
	err        error
}

func (m *mockSyncService) Pull(_ context.Context, _ string, since time.Time) (*models.PullResult, error) {
	m.pullSince = since
	return m.pullResult, m.err
}

func (m *mockSyncService) PullBatched(_ context.Context, _ string, req models.BatchedPullRequest) (*models.BatchedPullResult, error) {
	m.batchReq = req
	return m.batchRes, m.err
}

func (m *mockSyncService) Push(_ context.Context, _ string, changes *syncwire.Changes) error {
	m.pushed = changes
	return m.err
}

func (m *mockSyncService) Stats(_ context.Context, _ string, since time.Time) (*models.SyncStats, error) {
	m.statsSince = since
	return m.stats, m.err
}

// ============================================================================
// Contact import
// ============================================================================

type mockContactSyncService struct {
	job      *models.SyncJob
	jobs     []*models.SyncJob
	gotOwner string
	gotJobID uuid.UUID
	gotLimit int
	err      error
}

func (m *mockContactSyncService) Start(_ context.Context, ownerID string) (*models.SyncJob, error) {
	m.gotOwner = ownerID
	if m.err != nil {
		return nil, m.err
	}
	return m.job, nil
}

func (m *mockContactSyncService) Status(_ context.Context, ownerID string, jobID uuid.UUID) (*models.SyncJob, error) {
	m.gotOwner, m.gotJobID = ownerID, jobID
	if m.err != nil {
		return nil, m.err
	}
	return m.job, nil
}

func (m *mockContactSyncService) Cancel(_ context.Context, ownerID string, jobID uuid.UUID) (*models.SyncJob, error) {
	m.gotOwner, m.gotJobID = ownerID, jobID
	return m.job, m.err
}

func (m *mockContactSyncService) History(_ context.Context, ownerID string, limit int) ([]*models.SyncJob, error) {
	m.gotOwner, m.gotLimit = ownerID, limit
	return m.jobs, m.err
}

// ============================================================================
// Duplicates
// ============================================================================

type mockDuplicateService struct {
	records   []*models.DuplicateRecord
	gotFilter models.DuplicateFilter
	gotID     uuid.UUID
	gotRes    models.Resolution
	gotItems  []models.BatchResolveItem
	outcome   *models.ResolveOutcome
	batchOut  []models.ResolveOutcome
	err       error
}

func (m *mockDuplicateService) List(_ context.Context, _ string, filter models.DuplicateFilter) ([]*models.DuplicateRecord, error) {
	m.gotFilter = filter
	return m.records, m.err
}

func (m *mockDuplicateService) Resolve(_ context.Context, _ string, id uuid.UUID, res models.Resolution) (*models.ResolveOutcome, error) {
	m.gotID, m.gotRes = id, res
	return m.outcome, m.err
}

func (m *mockDuplicateService) Skip(_ context.Context, _ string, id uuid.UUID) (*models.ResolveOutcome, error) {
	m.gotID = id
	return m.outcome, m.err
}

func (m *mockDuplicateService) BatchResolve(_ context.Context, _ string, items []models.BatchResolveItem) []models.ResolveOutcome {
	m.gotItems = items
	return m.batchOut
}

// ============================================================================
// Google connection
// ============================================================================

type mockGoogleConnections struct {
	authURL      string
	cred         *models.ProviderCredential
	gotState     string
	gotCode      string
	disconnected string
	err          error
}

func (m *mockGoogleConnections) ConnectURL(context.Context, string) (string, error) {
	return m.authURL, m.err
}

func (m *mockGoogleConnections) Complete(_ context.Context, state, code string) (*models.ProviderCredential, error) {
	m.gotState, m.gotCode = state, code
	if m.err != nil {
		return nil, m.err
	}
	return m.cred, nil
}

func (m *mockGoogleConnections) Disconnect(_ context.Context, ownerID string) error {
	m.disconnected = ownerID
	return m.err
}
