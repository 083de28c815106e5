package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/audit"
	"github.com/ekaya-inc/patient-sync/pkg/models"
	"github.com/ekaya-inc/patient-sync/pkg/repositories"
)

// passthroughTx runs fn without a transaction.
func passthroughTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func nopAuditor() *audit.Auditor {
	return audit.NewAuditor(zap.NewNop(), nil)
}

func changedSince(created, updated time.Time, since time.Time) bool {
	return since.IsZero() || created.After(since) || updated.After(since)
}

func afterCursor(createdAt time.Time, id string, c models.Cursor) bool {
	if c.IsZero() {
		return true
	}
	// A cursor without an id (the client sent only the timestamp) is exclusive on created_at.
	if c.ID == "" {
		return createdAt.After(c.CreatedAt)
	}
	if createdAt.Equal(c.CreatedAt) {
		return id > c.ID
	}
	return createdAt.After(c.CreatedAt)
}

// ============================================================================
// Patients
// ============================================================================

// mockPatientRepo is an in-memory repositories.PatientRepository.
type mockPatientRepo struct {
	mu       sync.Mutex
	patients map[string]*models.Patient

	listErr   error
	createErr error
	// panicOnExternalID makes GetByExternalID panic for that contact.
	panicOnExternalID string
	// conflictOnSave makes SaveImported report a concurrent change.
	conflictOnSave bool

	applied []string
}

func newMockPatientRepo(patients ...*models.Patient) *mockPatientRepo {
	m := &mockPatientRepo{patients: make(map[string]*models.Patient)}
	for _, p := range patients {
		m.patients[p.ID] = p
	}
	return m
}

var _ repositories.PatientRepository = (*mockPatientRepo)(nil)

func clonePatient(p *models.Patient) *models.Patient {
	c := *p
	return &c
}

func (m *mockPatientRepo) sorted(ownerID string, keep func(p *models.Patient) bool) []*models.Patient {
	var out []*models.Patient
	for _, p := range m.patients {
		if p.OwnerID == ownerID && keep(p) {
			out = append(out, clonePatient(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *mockPatientRepo) ListChanged(_ context.Context, ownerID string, since time.Time, limit int) ([]*models.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := m.sorted(ownerID, func(p *models.Patient) bool {
		return !p.IsDeleted() && changedSince(p.CreatedAt, p.UpdatedAt, since)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockPatientRepo) PageChanged(_ context.Context, ownerID string, since time.Time, after models.Cursor, offset, limit int) ([]*models.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(ownerID, func(p *models.Patient) bool {
		return !p.IsDeleted() && changedSince(p.CreatedAt, p.UpdatedAt, since) && afterCursor(p.CreatedAt, p.ID, after)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockPatientRepo) ListDeletedIDs(_ context.Context, ownerID string, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, p := range m.sorted(ownerID, func(p *models.Patient) bool {
		return p.IsDeleted() && p.DeletedAt.After(since)
	}) {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (m *mockPatientRepo) CountChanges(_ context.Context, ownerID string, since time.Time) (models.PendingCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c models.PendingCounts
	for _, p := range m.patients {
		switch {
		case p.OwnerID != ownerID:
		case p.IsDeleted():
			if p.DeletedAt.After(since) {
				c.Deleted++
			}
		case since.IsZero() || p.CreatedAt.After(since):
			c.Created++
		case p.UpdatedAt.After(since):
			c.Updated++
		}
	}
	return c, nil
}

func (m *mockPatientRepo) GetByIDs(_ context.Context, ownerID string, ids []string) (map[string]*models.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.Patient)
	for _, id := range ids {
		if p, ok := m.patients[id]; ok && p.OwnerID == ownerID {
			out[id] = clonePatient(p)
		}
	}
	return out, nil
}

func (m *mockPatientRepo) CreateBatch(_ context.Context, patients []*models.Patient) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	var existing []string
	for _, p := range patients {
		if _, ok := m.patients[p.ID]; ok {
			existing = append(existing, p.ID)
			continue
		}
		if linked := m.liveByExternalID(p.OwnerID, models.StringValue(p.ExternalID)); linked != nil {
			return nil, fmt.Errorf("contact already linked to patient %s: %w", linked.ID, apperrors.ErrConflict)
		}
		m.patients[p.ID] = clonePatient(p)
	}
	return existing, nil
}

// liveByExternalID mirrors the partial unique index on (owner_id, external_id). Callers hold m.mu.
func (m *mockPatientRepo) liveByExternalID(ownerID, externalID string) *models.Patient {
	if externalID == "" {
		return nil
	}
	for _, p := range m.patients {
		if p.OwnerID == ownerID && !p.IsDeleted() && models.StringValue(p.ExternalID) == externalID {
			return p
		}
	}
	return nil
}

func (m *mockPatientRepo) ApplyClientUpdate(_ context.Context, p *models.Patient, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.patients[p.ID]
	if !ok || stored.OwnerID != p.OwnerID || stored.IsDeleted() {
		return apperrors.ErrNotFound
	}
	stored.Name = p.Name
	stored.Phone = p.Phone
	stored.Email = p.Email
	stored.Address = p.Address
	stored.Group = p.Group
	stored.IsFavorite = p.IsFavorite
	stored.PhotoURL = p.PhotoURL
	stored.UpdatedAt = now
	m.applied = append(m.applied, p.ID)
	return nil
}

func (m *mockPatientRepo) SoftDelete(_ context.Context, ownerID string, ids []string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []string
	for _, id := range ids {
		if p, ok := m.patients[id]; ok && p.OwnerID == ownerID && !p.IsDeleted() {
			t := now
			p.DeletedAt = &t
			p.UpdatedAt = now
			changed = append(changed, id)
		}
	}
	return changed, nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, ownerID, id string) (*models.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok || p.OwnerID != ownerID || p.IsDeleted() {
		return nil, apperrors.ErrNotFound
	}
	return clonePatient(p), nil
}

func (m *mockPatientRepo) GetByExternalID(_ context.Context, ownerID, externalID string) (*models.Patient, error) {
	if externalID == m.panicOnExternalID {
		panic("corrupt row for " + externalID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var tombstone *models.Patient
	for _, p := range m.patients {
		if p.OwnerID != ownerID || models.StringValue(p.ExternalID) != externalID {
			continue
		}
		if !p.IsDeleted() {
			return clonePatient(p), nil
		}
		tombstone = p
	}
	if tombstone != nil {
		return clonePatient(tombstone), nil
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockPatientRepo) ListActive(_ context.Context, ownerID string) ([]*models.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.sorted(ownerID, func(p *models.Patient) bool { return !p.IsDeleted() }), nil
}

func (m *mockPatientRepo) Create(ctx context.Context, p *models.Patient) error {
	existing, err := m.CreateBatch(ctx, []*models.Patient{p})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("patient %s already exists: %w", p.ID, apperrors.ErrConflict)
	}
	return nil
}

func (m *mockPatientRepo) SaveImported(_ context.Context, p *models.Patient, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.patients[p.ID]
	if m.conflictOnSave || !ok || stored.IsDeleted() || stored.SyncVersion != p.SyncVersion {
		return fmt.Errorf("patient %s changed concurrently: %w", p.ID, apperrors.ErrConflict)
	}
	p.SyncVersion++
	p.UpdatedAt = now
	p.LastSyncedAt = &now
	m.patients[p.ID] = clonePatient(p)
	return nil
}

func (m *mockPatientRepo) get(id string) *models.Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.patients[id]; ok {
		return clonePatient(p)
	}
	return nil
}

func (m *mockPatientRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.patients)
}

// ============================================================================
// Clinical notes
// ============================================================================

// mockNoteRepo is an in-memory repositories.ClinicalNoteRepository. Creates
// for patients missing from patients are rejected like the real store does.
type mockNoteRepo struct {
	notes    map[string]*models.ClinicalNote
	patients *mockPatientRepo

	deletedByPatients []string
}

func newMockNoteRepo(patients *mockPatientRepo, notes ...*models.ClinicalNote) *mockNoteRepo {
	m := &mockNoteRepo{notes: make(map[string]*models.ClinicalNote), patients: patients}
	for _, n := range notes {
		m.notes[n.ID] = n
	}
	return m
}

var _ repositories.ClinicalNoteRepository = (*mockNoteRepo)(nil)

func cloneNote(n *models.ClinicalNote) *models.ClinicalNote {
	c := *n
	return &c
}

func (m *mockNoteRepo) sorted(ownerID string, keep func(n *models.ClinicalNote) bool) []*models.ClinicalNote {
	var out []*models.ClinicalNote
	for _, n := range m.notes {
		if n.OwnerID == ownerID && keep(n) {
			out = append(out, cloneNote(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *mockNoteRepo) ListChanged(_ context.Context, ownerID string, since time.Time, limit int) ([]*models.ClinicalNote, error) {
	out := m.sorted(ownerID, func(n *models.ClinicalNote) bool {
		return n.DeletedAt == nil && changedSince(n.CreatedAt, n.UpdatedAt, since)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockNoteRepo) PageChanged(_ context.Context, ownerID string, since time.Time, after models.Cursor, offset, limit int) ([]*models.ClinicalNote, error) {
	out := m.sorted(ownerID, func(n *models.ClinicalNote) bool {
		return n.DeletedAt == nil && changedSince(n.CreatedAt, n.UpdatedAt, since) && afterCursor(n.CreatedAt, n.ID, after)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockNoteRepo) ListDeletedIDs(_ context.Context, ownerID string, since time.Time) ([]string, error) {
	var ids []string
	for _, n := range m.sorted(ownerID, func(n *models.ClinicalNote) bool {
		return n.DeletedAt != nil && n.DeletedAt.After(since)
	}) {
		ids = append(ids, n.ID)
	}
	return ids, nil
}

func (m *mockNoteRepo) CountChanges(_ context.Context, ownerID string, since time.Time) (models.PendingCounts, error) {
	var c models.PendingCounts
	for _, n := range m.notes {
		switch {
		case n.OwnerID != ownerID:
		case n.DeletedAt != nil:
			if n.DeletedAt.After(since) {
				c.Deleted++
			}
		case since.IsZero() || n.CreatedAt.After(since):
			c.Created++
		case n.UpdatedAt.After(since):
			c.Updated++
		}
	}
	return c, nil
}

func (m *mockNoteRepo) GetByIDs(_ context.Context, ownerID string, ids []string) (map[string]*models.ClinicalNote, error) {
	out := make(map[string]*models.ClinicalNote)
	for _, id := range ids {
		if n, ok := m.notes[id]; ok && n.OwnerID == ownerID {
			out[id] = cloneNote(n)
		}
	}
	return out, nil
}

func (m *mockNoteRepo) CreateBatch(_ context.Context, notes []*models.ClinicalNote) ([]string, error) {
	var rejected []string
	for _, n := range notes {
		p := m.patients.get(n.PatientID)
		if _, taken := m.notes[n.ID]; taken || p == nil || p.OwnerID != n.OwnerID {
			rejected = append(rejected, n.ID)
			continue
		}
		m.notes[n.ID] = cloneNote(n)
	}
	return rejected, nil
}

func (m *mockNoteRepo) ApplyClientUpdate(_ context.Context, n *models.ClinicalNote, now time.Time) error {
	stored, ok := m.notes[n.ID]
	if !ok || stored.OwnerID != n.OwnerID || stored.DeletedAt != nil {
		return apperrors.ErrNotFound
	}
	stored.Content = n.Content
	stored.VisitType = n.VisitType
	stored.UpdatedAt = now
	return nil
}

func (m *mockNoteRepo) SoftDelete(_ context.Context, ownerID string, ids []string, now time.Time) ([]string, error) {
	var changed []string
	for _, id := range ids {
		if n, ok := m.notes[id]; ok && n.OwnerID == ownerID && n.DeletedAt == nil {
			t := now
			n.DeletedAt = &t
			changed = append(changed, id)
		}
	}
	return changed, nil
}

func (m *mockNoteRepo) SoftDeleteByPatients(_ context.Context, ownerID string, patientIDs []string, now time.Time) ([]string, error) {
	m.deletedByPatients = append(m.deletedByPatients, patientIDs...)
	want := make(map[string]bool, len(patientIDs))
	for _, id := range patientIDs {
		want[id] = true
	}
	var changed []string
	for _, n := range m.notes {
		if n.OwnerID == ownerID && want[n.PatientID] && n.DeletedAt == nil {
			t := now
			n.DeletedAt = &t
			changed = append(changed, n.ID)
		}
	}
	return changed, nil
}

// ============================================================================
// Sync jobs
// ============================================================================

// mockJobRepo is an in-memory repositories.SyncJobRepository.
type mockJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.SyncJob

	latestToken *string
	getActive   *models.SyncJob
	createErr   error
	// cancelAfterChecks flips cancel_requested once IsCancelRequested was
	// called that many times; zero never cancels.
	cancelAfterChecks int
	cancelChecks      int

	claimQueue    []*models.SyncJob
	claimErr      error
	staleBefore   time.Time
	progressSaves []models.SyncJobCounters
	finished      []*models.SyncJob
	finishErr     error
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{jobs: make(map[uuid.UUID]*models.SyncJob)}
}

var _ repositories.SyncJobRepository = (*mockJobRepo)(nil)

func (m *mockJobRepo) Create(_ context.Context, job *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	job.CreatedAt = testNow
	job.UpdatedAt = testNow
	c := *job
	m.jobs[job.ID] = &c
	return nil
}

func (m *mockJobRepo) GetByID(_ context.Context, ownerID string, id uuid.UUID) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	c := *j
	return &c, nil
}

func (m *mockJobRepo) GetActive(_ context.Context, _ string) (*models.SyncJob, error) {
	return m.getActive, nil
}

func (m *mockJobRepo) ListByOwner(_ context.Context, ownerID string, limit int) ([]*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SyncJob
	for _, j := range m.jobs {
		if j.OwnerID == ownerID && len(out) < limit {
			c := *j
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockJobRepo) LatestSyncToken(_ context.Context, _ string) (*string, error) {
	return m.latestToken, nil
}

func (m *mockJobRepo) ClaimNext(_ context.Context, staleBefore time.Time) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleBefore = staleBefore
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	if len(m.claimQueue) == 0 {
		return nil, nil
	}
	j := m.claimQueue[0]
	m.claimQueue = m.claimQueue[1:]
	j.Status = models.SyncJobStatusInProgress
	return j, nil
}

func (m *mockJobRepo) SaveProgress(_ context.Context, job *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressSaves = append(m.progressSaves, job.SyncJobCounters)
	return nil
}

func (m *mockJobRepo) IsCancelRequested(_ context.Context, _ uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelChecks++
	return m.cancelAfterChecks > 0 && m.cancelChecks >= m.cancelAfterChecks, nil
}

func (m *mockJobRepo) RequestCancel(_ context.Context, ownerID string, id uuid.UUID) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	c := *j
	if j.Status.IsTerminal() {
		return &c, apperrors.ErrJobTerminal
	}
	j.CancelRequested = true
	if j.Status == models.SyncJobStatusPending {
		j.Status = models.SyncJobStatusCancelled
	}
	c = *j
	return &c, nil
}

func (m *mockJobRepo) Finish(_ context.Context, job *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finishErr != nil {
		return m.finishErr
	}
	c := *job
	m.finished = append(m.finished, &c)
	return nil
}

func (m *mockJobRepo) AddPendingDuplicate(_ context.Context, jobID, duplicateID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		j.PendingDuplicates = append(j.PendingDuplicates, duplicateID)
	}
	return nil
}

func (m *mockJobRepo) RemovePendingDuplicate(_ context.Context, jobID, duplicateID uuid.UUID, resolved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil
	}
	for i, id := range j.PendingDuplicates {
		if id == duplicateID {
			j.PendingDuplicates = append(j.PendingDuplicates[:i], j.PendingDuplicates[i+1:]...)
			if resolved {
				j.DuplicatesResolved++
			}
			return nil
		}
	}
	return nil
}

func (m *mockJobRepo) lastFinished() *models.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.finished) == 0 {
		return nil
	}
	return m.finished[len(m.finished)-1]
}

// ============================================================================
// Duplicate records
// ============================================================================

type mockDupRepo struct {
	records map[uuid.UUID]*models.DuplicateRecord
	listed  models.DuplicateFilter
}

func newMockDupRepo(recs ...*models.DuplicateRecord) *mockDupRepo {
	m := &mockDupRepo{records: make(map[uuid.UUID]*models.DuplicateRecord)}
	for _, r := range recs {
		m.records[r.ID] = r
	}
	return m
}

var _ repositories.DuplicateRecordRepository = (*mockDupRepo)(nil)

func (m *mockDupRepo) Create(_ context.Context, rec *models.DuplicateRecord) error {
	for _, r := range m.records {
		if r.OwnerID == rec.OwnerID && r.ExternalID == rec.ExternalID && r.Status == models.DuplicateStatusPending {
			return apperrors.ErrConflict
		}
	}
	c := *rec
	m.records[rec.ID] = &c
	return nil
}

func (m *mockDupRepo) GetByID(_ context.Context, ownerID string, id uuid.UUID) (*models.DuplicateRecord, error) {
	r, ok := m.records[id]
	if !ok || r.OwnerID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *mockDupRepo) LockByID(ctx context.Context, ownerID string, id uuid.UUID) (*models.DuplicateRecord, error) {
	return m.GetByID(ctx, ownerID, id)
}

func (m *mockDupRepo) HasPending(_ context.Context, ownerID, externalID string) (bool, error) {
	for _, r := range m.records {
		if r.OwnerID == ownerID && r.ExternalID == externalID && r.Status == models.DuplicateStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockDupRepo) List(_ context.Context, ownerID string, filter models.DuplicateFilter) ([]*models.DuplicateRecord, error) {
	m.listed = filter
	var out []*models.DuplicateRecord
	for _, r := range m.records {
		if r.OwnerID != ownerID {
			continue
		}
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.JobID != nil && r.JobID != *filter.JobID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *mockDupRepo) MarkFinal(_ context.Context, rec *models.DuplicateRecord) error {
	stored, ok := m.records[rec.ID]
	if !ok || stored.Status != models.DuplicateStatusPending {
		return apperrors.ErrConflict
	}
	now := testNow
	rec.ResolvedAt = &now
	c := *rec
	m.records[rec.ID] = &c
	return nil
}

// ============================================================================
// Provider credentials
// ============================================================================

type mockCredRepo struct {
	creds  map[string]*models.ProviderCredential
	getErr error
}

func newMockCredRepo(ownerIDs ...string) *mockCredRepo {
	m := &mockCredRepo{creds: make(map[string]*models.ProviderCredential)}
	for _, id := range ownerIDs {
		m.creds[id] = &models.ProviderCredential{OwnerID: id, Provider: models.ProviderGoogle, RefreshToken: "refresh-" + id}
	}
	return m
}

var _ repositories.ProviderCredentialRepository = (*mockCredRepo)(nil)

func (m *mockCredRepo) Get(_ context.Context, ownerID, provider string) (*models.ProviderCredential, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	c, ok := m.creds[ownerID]
	if !ok || c.Provider != provider {
		return nil, apperrors.ErrNotFound
	}
	return c, nil
}

func (m *mockCredRepo) Upsert(_ context.Context, cred *models.ProviderCredential) error {
	m.creds[cred.OwnerID] = cred
	return nil
}

func (m *mockCredRepo) Delete(_ context.Context, ownerID, provider string) error {
	if _, ok := m.creds[ownerID]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.creds, ownerID)
	return nil
}

// ============================================================================
// Contacts provider
// ============================================================================

type providerCall struct {
	pageToken string
	syncToken string
}

type providerResult struct {
	page *models.ContactPage
	err  error
}

// mockProvider returns results in order, one per ListContacts call.
type mockProvider struct {
	results []providerResult
	calls   []providerCall
}

func (m *mockProvider) ListContacts(_ context.Context, _, _, pageToken, syncToken string) (*models.ContactPage, error) {
	m.calls = append(m.calls, providerCall{pageToken: pageToken, syncToken: syncToken})
	if len(m.calls) > len(m.results) {
		return nil, fmt.Errorf("unexpected call %d", len(m.calls))
	}
	r := m.results[len(m.calls)-1]
	return r.page, r.err
}
