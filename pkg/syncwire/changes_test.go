package syncwire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/models"
)

func TestDecodeChanges_NormalizesPayload(t *testing.T) {
	body := `{
		"changes": {
			"patients": {
				"created": [{
					"id": "p1", "name": "  Asha Rao ", "phone": 9876543210, "email": "  ",
					"owner_id": "someone-else", "created_at": 1700000000000, "updated_at": "1700000000500"
				}],
				"updated": [{"id": "p2", "name": "Ben", "created_at": 0, "updated_at": 1700000001}],
				"deleted": ["p3"]
			},
			"clinical_notes": {
				"created": [{"id": "n1", "patient_id": "p1", "content": "BP normal", "visit_type": "", "created_at": null}],
				"updated": [],
				"deleted": []
			}
		}
	}`

	var req PushRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	cs, err := DecodeChanges(req.Changes, "owner-1", testNow)
	require.NoError(t, err)

	require.Len(t, cs.Patients.Created, 1)
	p := cs.Patients.Created[0]
	assert.Equal(t, "owner-1", p.OwnerID)
	assert.Equal(t, "Asha Rao", p.Name)
	require.NotNil(t, p.Phone)
	assert.Equal(t, "9876543210", *p.Phone)
	assert.Nil(t, p.Email, "blank email is treated as absent")
	assert.Equal(t, models.PatientSourceManual, p.Source)
	assert.Equal(t, int64(1700000000500), p.UpdatedAt.UnixMilli())

	require.Len(t, cs.Patients.Updated, 1)
	assert.Equal(t, testNow.UnixMilli(), cs.Patients.Updated[0].CreatedAt.UnixMilli())
	assert.Equal(t, testNow.UnixMilli(), cs.Patients.Updated[0].UpdatedAt.UnixMilli(), "seconds-looking value is repaired")

	assert.Equal(t, []string{"p3"}, cs.Patients.Deleted)

	require.Len(t, cs.Notes.Created, 1)
	assert.Nil(t, cs.Notes.Created[0].VisitType)
	assert.Equal(t, testNow.UnixMilli(), cs.Notes.Created[0].CreatedAt.UnixMilli())
}

func TestDecodeChanges_Validation(t *testing.T) {
	tests := []struct {
		name  string
		in    *Changes
		field string
	}{
		{
			name:  "missing changes",
			in:    nil,
			field: "changes",
		},
		{
			name: "missing id",
			in: &Changes{Patients: TableChanges[PatientRecord]{
				Created: []PatientRecord{{Name: "A"}},
			}},
			field: "changes.patients.created[0].id",
		},
		{
			name: "missing name",
			in: &Changes{Patients: TableChanges[PatientRecord]{
				Updated: []PatientRecord{{ID: "p1"}},
			}},
			field: "changes.patients.updated[0].name",
		},
		{
			name: "id in two sections",
			in: &Changes{Patients: TableChanges[PatientRecord]{
				Created: []PatientRecord{{ID: "p1", Name: "A"}},
				Deleted: []string{"p1"},
			}},
			field: "changes.patients.deleted[0].id",
		},
		{
			name: "note without patient",
			in: &Changes{ClinicalNotes: TableChanges[NoteRecord]{
				Created: []NoteRecord{{ID: "n1"}},
			}},
			field: "changes.clinical_notes.created[0].patient_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeChanges(tt.in, "owner-1", testNow)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrValidation))

			var ve *apperrors.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestDecodeChanges_SameIDAcrossCollections(t *testing.T) {
	in := &Changes{
		Patients:      TableChanges[PatientRecord]{Created: []PatientRecord{{ID: "x", Name: "A"}}},
		ClinicalNotes: TableChanges[NoteRecord]{Created: []NoteRecord{{ID: "x", PatientID: "x"}}},
	}
	_, err := DecodeChanges(in, "owner-1", testNow)
	assert.NoError(t, err)
}

func TestEncodeChanges_EmptyListsAreArrays(t *testing.T) {
	b, err := json.Marshal(PullResponse{
		Changes:   EncodeChanges(models.ChangeSet{}, testNow),
		Timestamp: Millis(testNow.UnixMilli()),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"changes": {
			"patients": {"created": [], "updated": [], "deleted": []},
			"clinical_notes": {"created": [], "updated": [], "deleted": []}
		},
		"timestamp": 1772620200000
	}`, string(b))
}

func TestEncodePatient_RoundTripTimestamps(t *testing.T) {
	created := time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)
	phone := "+919876543210"
	p := &models.Patient{
		ID:        "p1",
		OwnerID:   "owner-1",
		Name:      "Asha",
		Phone:     &phone,
		Source:    models.PatientSourceExternalImport,
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
	}

	rec := EncodePatient(p, testNow)
	assert.Equal(t, Millis(created.UnixMilli()), rec.CreatedAt)
	assert.Equal(t, FlexString(phone), rec.Phone)
	assert.Equal(t, FlexString(""), rec.Email)

	back := DecodePatient(rec, "owner-1", testNow)
	assert.True(t, back.CreatedAt.Equal(p.CreatedAt))
	assert.True(t, back.UpdatedAt.Equal(p.UpdatedAt))
}

func TestDecodeChanges_IgnoresServerManagedPatientFields(t *testing.T) {
	body := `{
		"changes": {
			"patients": {
				"created": [{"id": "p1", "name": "Asha", "external_id": "people/c9", "source": "external_import"}],
				"updated": [{"id": "p2", "name": "Ben", "external_id": "people/c7", "source": "external_import"}],
				"deleted": []
			}
		}
	}`

	var req PushRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	cs, err := DecodeChanges(req.Changes, "owner-1", testNow)
	require.NoError(t, err)

	for _, p := range append(cs.Patients.Created, cs.Patients.Updated...) {
		assert.Nil(t, p.ExternalID, "patient %s", p.ID)
		assert.Equal(t, models.PatientSourceManual, p.Source, "patient %s", p.ID)
	}
}

func TestCursorEncoding(t *testing.T) {
	ms, id := EncodeCursor(models.Cursor{})
	assert.Nil(t, ms)
	assert.Empty(t, id)

	c := models.Cursor{CreatedAt: time.UnixMilli(1_700_000_000_123).UTC(), ID: "p9"}
	ms, id = EncodeCursor(c)
	require.NotNil(t, ms)
	back := DecodeCursor(ms, id)
	assert.True(t, back.CreatedAt.Equal(c.CreatedAt))
	assert.Equal(t, "p9", back.ID)

	zero := Millis(0)
	assert.True(t, DecodeCursor(&zero, "p1").IsZero())
}
