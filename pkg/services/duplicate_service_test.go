package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/models"
)

type dupFixture struct {
	svc      *duplicateService
	patients *mockPatientRepo
	dups     *mockDupRepo
	jobs     *mockJobRepo
	job      *models.SyncJob
	rec      *models.DuplicateRecord
}

func newDupFixture(t *testing.T) *dupFixture {
	t.Helper()
	existing := patientAt("p-existing", at(1), at(1))
	existing.Name = "Asha R"
	existing.Phone = models.StringPtr("+919845011111")
	existing.Email = models.StringPtr("asha@old.example")
	other := patientAt("p-other", at(1), at(1))

	f := &dupFixture{
		patients: newMockPatientRepo(existing, other),
		jobs:     newMockJobRepo(),
	}
	f.job = &models.SyncJob{ID: uuid.New(), OwnerID: owner, Status: models.SyncJobStatusCompleted}
	require.NoError(t, f.jobs.Create(context.Background(), f.job))

	f.rec = &models.DuplicateRecord{
		ID:         uuid.New(),
		JobID:      f.job.ID,
		OwnerID:    owner,
		ExternalID: "people/c1",
		Contact: models.NormalizedContact{
			ExternalID: "people/c1",
			Name:       "Asha Rao",
			Phone:      "+919845011111",
			Email:      "asha@new.example",
		},
		Matches: []models.DuplicateMatch{
			{PatientID: "p-existing", Confidence: 1.0},
			{PatientID: "p-other", Confidence: 0.5},
		},
		Status: models.DuplicateStatusPending,
	}
	f.dups = newMockDupRepo(f.rec)
	require.NoError(t, f.jobs.AddPendingDuplicate(context.Background(), f.job.ID, f.rec.ID))

	svc := NewDuplicateService(f.dups, f.patients, f.jobs, zap.NewNop()).(*duplicateService)
	svc.inTx = passthroughTx
	svc.now = fixedNow
	svc.newID = func() string { return "p-new" }
	f.svc = svc
	return f
}

func (f *dupFixture) storedJob(t *testing.T) *models.SyncJob {
	t.Helper()
	j, err := f.jobs.GetByID(context.Background(), owner, f.job.ID)
	require.NoError(t, err)
	return j
}

func TestDuplicateService_KeepExistingDefaultsToBestMatch(t *testing.T) {
	f := newDupFixture(t)

	out, err := f.svc.Resolve(context.Background(), owner, f.rec.ID, models.KeepExisting{})
	require.NoError(t, err)

	assert.Equal(t, models.DuplicateStatusResolved, out.Status)
	assert.Equal(t, models.ResolutionKeepExisting, out.Resolution)
	assert.Equal(t, "p-existing", models.StringValue(out.PatientID))
	assert.False(t, out.AlreadyResolved)
	assert.Equal(t, "Asha R", f.patients.get("p-existing").Name, "keep_existing leaves the patient alone")

	job := f.storedJob(t)
	assert.Empty(t, job.PendingDuplicates)
	assert.Equal(t, 1, job.DuplicatesResolved)
}

func TestDuplicateService_CreateNew(t *testing.T) {
	f := newDupFixture(t)

	out, err := f.svc.Resolve(context.Background(), owner, f.rec.ID, models.CreateNew{})
	require.NoError(t, err)

	assert.Equal(t, "p-new", models.StringValue(out.PatientID))
	p := f.patients.get("p-new")
	require.NotNil(t, p)
	assert.Equal(t, "Asha Rao", p.Name)
	assert.Equal(t, "people/c1", models.StringValue(p.ExternalID))
}

func TestDuplicateService_Replace(t *testing.T) {
	f := newDupFixture(t)

	_, err := f.svc.Resolve(context.Background(), owner, f.rec.ID, models.Replace{PatientID: "p-existing"})
	require.NoError(t, err)

	p := f.patients.get("p-existing")
	assert.Equal(t, "Asha Rao", p.Name)
	assert.Equal(t, "asha@new.example", models.StringValue(p.Email))
	assert.Equal(t, "people/c1", models.StringValue(p.ExternalID))
	assert.Equal(t, 1, p.SyncVersion)
}

func TestDuplicateService_MergeTakesChosenFields(t *testing.T) {
	f := newDupFixture(t)

	res := models.Merge{PatientID: "p-existing", Fields: map[models.MergeField]models.FieldSource{
		models.MergeFieldEmail: models.FieldSourceIncoming,
		models.MergeFieldName:  models.FieldSourceExisting,
	}}
	_, err := f.svc.Resolve(context.Background(), owner, f.rec.ID, res)
	require.NoError(t, err)

	p := f.patients.get("p-existing")
	assert.Equal(t, "Asha R", p.Name)
	assert.Equal(t, "asha@new.example", models.StringValue(p.Email))
	assert.Equal(t, "+919845011111", models.StringValue(p.Phone))
}

func unnamedContact(f *dupFixture) {
	f.rec.Contact.Name = "+919845011111"
	f.rec.Contact.NameDerived = true
}

func TestDuplicateService_ReplaceKeepsNameWhenContactHasNone(t *testing.T) {
	f := newDupFixture(t)
	unnamedContact(f)

	_, err := f.svc.Resolve(context.Background(), owner, f.rec.ID, models.Replace{PatientID: "p-existing"})
	require.NoError(t, err)

	p := f.patients.get("p-existing")
	assert.Equal(t, "Asha R", p.Name)
	assert.Equal(t, "asha@new.example", models.StringValue(p.Email))
}

func TestDuplicateService_MergeIncomingNameIgnoredWhenDerived(t *testing.T) {
	f := newDupFixture(t)
	unnamedContact(f)

	res := models.Merge{PatientID: "p-existing", Fields: map[models.MergeField]models.FieldSource{
		models.MergeFieldName: models.FieldSourceIncoming,
	}}
	_, err := f.svc.Resolve(context.Background(), owner, f.rec.ID, res)
	require.NoError(t, err)

	assert.Equal(t, "Asha R", f.patients.get("p-existing").Name)
}

func TestDuplicateService_CreateNewUsesDerivedName(t *testing.T) {
	f := newDupFixture(t)
	unnamedContact(f)

	_, err := f.svc.Resolve(context.Background(), owner, f.rec.ID, models.CreateNew{})
	require.NoError(t, err)

	assert.Equal(t, "+919845011111", f.patients.get("p-new").Name)
}

func TestDuplicateService_CreateNewWhenContactAlreadyLinked(t *testing.T) {
	f := newDupFixture(t)
	f.patients.patients["p-other"].ExternalID = models.StringPtr("people/c1")

	_, err := f.svc.Resolve(context.Background(), owner, f.rec.ID, models.CreateNew{})
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.Nil(t, f.patients.get("p-new"))

	rec, _ := f.dups.GetByID(context.Background(), owner, f.rec.ID)
	assert.Equal(t, models.DuplicateStatusPending, rec.Status)
}

func TestDuplicateService_ConcurrentEditConflicts(t *testing.T) {
	f := newDupFixture(t)
	f.patients.conflictOnSave = true

	_, err := f.svc.Resolve(context.Background(), owner, f.rec.ID, models.Replace{})
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	rec, _ := f.dups.GetByID(context.Background(), owner, f.rec.ID)
	assert.Equal(t, models.DuplicateStatusPending, rec.Status)
}

func TestDuplicateService_TargetMustBeAMatch(t *testing.T) {
	f := newDupFixture(t)

	_, err := f.svc.Resolve(context.Background(), owner, f.rec.ID, models.KeepExisting{PatientID: "p-stranger"})
	var ve *apperrors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "patient_id", ve.Field)
}

func TestDuplicateService_DeletedTargetConflicts(t *testing.T) {
	f := newDupFixture(t)
	tombstone(f.patients.patients["p-existing"], at(2))

	_, err := f.svc.Resolve(context.Background(), owner, f.rec.ID, models.Replace{PatientID: "p-existing"})
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestDuplicateService_ResolveTwiceReturnsRecordedOutcome(t *testing.T) {
	f := newDupFixture(t)
	ctx := context.Background()

	first, err := f.svc.Resolve(ctx, owner, f.rec.ID, models.Replace{})
	require.NoError(t, err)

	second, err := f.svc.Resolve(ctx, owner, f.rec.ID, models.CreateNew{})
	require.NoError(t, err)

	assert.True(t, second.AlreadyResolved)
	assert.Equal(t, models.ResolutionReplace, second.Resolution)
	assert.Equal(t, first.PatientID, second.PatientID)
	assert.Nil(t, f.patients.get("p-new"), "second resolution must not run")
	assert.Equal(t, 1, f.storedJob(t).DuplicatesResolved)
}

func TestDuplicateService_Skip(t *testing.T) {
	f := newDupFixture(t)
	ctx := context.Background()

	out, err := f.svc.Skip(ctx, owner, f.rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DuplicateStatusSkipped, out.Status)
	assert.Equal(t, models.ResolutionSkip, out.Resolution)

	job := f.storedJob(t)
	assert.Empty(t, job.PendingDuplicates)
	assert.Zero(t, job.DuplicatesResolved, "skipping is not resolving")

	again, err := f.svc.Resolve(ctx, owner, f.rec.ID, models.KeepExisting{})
	require.NoError(t, err)
	assert.True(t, again.AlreadyResolved)
	assert.Equal(t, models.DuplicateStatusSkipped, again.Status)
}

func TestDuplicateService_NotFound(t *testing.T) {
	f := newDupFixture(t)

	_, err := f.svc.Resolve(context.Background(), "someone-else", f.rec.ID, models.KeepExisting{})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestDuplicateService_BatchResolveReportsPerItem(t *testing.T) {
	f := newDupFixture(t)

	results := f.svc.BatchResolve(context.Background(), owner, []models.BatchResolveItem{
		{DuplicateID: f.rec.ID.String(), ResolutionRequest: models.ResolutionRequest{Strategy: models.ResolutionKeepExisting}},
		{DuplicateID: "not-a-uuid", ResolutionRequest: models.ResolutionRequest{Strategy: models.ResolutionCreateNew}},
		{DuplicateID: uuid.NewString(), ResolutionRequest: models.ResolutionRequest{Strategy: models.ResolutionCreateNew}},
		{DuplicateID: f.rec.ID.String(), ResolutionRequest: models.ResolutionRequest{Strategy: "shred"}},
	})

	require.Len(t, results, 4)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, models.DuplicateStatusResolved, results[0].Status)
	assert.Contains(t, results[1].Error, "duplicate_id")
	assert.Equal(t, "duplicate not found", results[2].Error)
	assert.Contains(t, results[3].Error, "unknown strategy")
}

func TestDuplicateService_ListValidatesAndClamps(t *testing.T) {
	f := newDupFixture(t)
	ctx := context.Background()

	bad := models.DuplicateStatus("maybe")
	_, err := f.svc.List(ctx, owner, models.DuplicateFilter{Status: &bad})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	pending := models.DuplicateStatusPending
	recs, err := f.svc.List(ctx, owner, models.DuplicateFilter{Status: &pending, Limit: 10_000})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, maxDuplicateListLimit, f.dups.listed.Limit)
}

func TestMergeContact_BlankIncomingClearsButNameIsKept(t *testing.T) {
	p := &models.Patient{Name: "Old", Address: models.StringPtr("12 MG Road")}
	c := models.NormalizedContact{ExternalID: "people/x", Name: ""}

	mergeContact(p, c, models.Merge{Fields: map[models.MergeField]models.FieldSource{
		models.MergeFieldName:    models.FieldSourceIncoming,
		models.MergeFieldAddress: models.FieldSourceIncoming,
	}})

	assert.Equal(t, "Old", p.Name)
	assert.Nil(t, p.Address)
	assert.Equal(t, "people/x", models.StringValue(p.ExternalID))
}
