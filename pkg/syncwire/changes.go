package syncwire

import (
	"fmt"
	"time"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/models"
)

// TableChanges is one collection's section of a pull response or push body.
type TableChanges[T any] struct {
	Created []T      `json:"created"`
	Updated []T      `json:"updated"`
	Deleted []string `json:"deleted"`
}

// Changes is the changes object of a pull response or push body.
type Changes struct {
	Patients      TableChanges[PatientRecord] `json:"patients"`
	ClinicalNotes TableChanges[NoteRecord]    `json:"clinical_notes"`
}

// PullRequest is the body of POST /sync/pull and POST /sync/pull/batched.
type PullRequest struct {
	LastPulledAt *Millis `json:"last_pulled_at"`
}

// PullResponse is the body returned by POST /sync/pull.
type PullResponse struct {
	Changes   Changes `json:"changes"`
	Timestamp Millis  `json:"timestamp"`
	Truncated bool    `json:"truncated,omitempty"`
}

// BatchedPullResponse is the body returned by POST /sync/pull/batched.
// Cursor fields are the preferred continuation; next_skip_* serve older clients.
type BatchedPullResponse struct {
	Changes          Changes `json:"changes"`
	Timestamp        Millis  `json:"timestamp"`
	HasMore          bool    `json:"has_more"`
	PatientsHasMore  bool    `json:"patients_has_more"`
	NotesHasMore     bool    `json:"notes_has_more"`
	CursorPatient    *Millis `json:"cursor_patient"`
	CursorPatientID  string  `json:"cursor_patient_id,omitempty"`
	CursorNote       *Millis `json:"cursor_note"`
	CursorNoteID     string  `json:"cursor_note_id,omitempty"`
	NextSkipPatients int     `json:"next_skip_patients"`
	NextSkipNotes    int     `json:"next_skip_notes"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Changes *Changes `json:"changes"`
}

// PushResponse is returned for an accepted push.
type PushResponse struct {
	Status string `json:"status"`
}

// EncodeChanges converts a change set for the wire. Every list is non-nil so
// clients always receive arrays.
func EncodeChanges(cs models.ChangeSet, now time.Time) Changes {
	out := Changes{
		Patients: TableChanges[PatientRecord]{
			Created: make([]PatientRecord, 0, len(cs.Patients.Created)),
			Updated: make([]PatientRecord, 0, len(cs.Patients.Updated)),
			Deleted: nonNil(cs.Patients.Deleted),
		},
		ClinicalNotes: TableChanges[NoteRecord]{
			Created: make([]NoteRecord, 0, len(cs.Notes.Created)),
			Updated: make([]NoteRecord, 0, len(cs.Notes.Updated)),
			Deleted: nonNil(cs.Notes.Deleted),
		},
	}
	for _, p := range cs.Patients.Created {
		out.Patients.Created = append(out.Patients.Created, EncodePatient(p, now))
	}
	for _, p := range cs.Patients.Updated {
		out.Patients.Updated = append(out.Patients.Updated, EncodePatient(p, now))
	}
	for _, n := range cs.Notes.Created {
		out.ClinicalNotes.Created = append(out.ClinicalNotes.Created, EncodeNote(n, now))
	}
	for _, n := range cs.Notes.Updated {
		out.ClinicalNotes.Updated = append(out.ClinicalNotes.Updated, EncodeNote(n, now))
	}
	return out
}

// DecodeChanges validates a pushed payload and converts it for the store.
// Nothing is returned unless the whole payload is valid.
func DecodeChanges(c *Changes, ownerID string, now time.Time) (models.ChangeSet, error) {
	var cs models.ChangeSet
	if c == nil {
		return cs, apperrors.NewValidationError("changes", "is required")
	}

	seen := make(map[string]string)
	track := func(collection, section string, i int, id string) error {
		field := fmt.Sprintf("changes.%s.%s[%d].id", collection, section, i)
		if id == "" {
			return apperrors.NewValidationError(field, "is required")
		}
		key := collection + "/" + id
		if prev, ok := seen[key]; ok {
			return apperrors.NewValidationError(field, "%q already appears in %s", id, prev)
		}
		seen[key] = section
		return nil
	}

	patients := models.EntityPatient.Collection()
	for i, r := range c.Patients.Created {
		p := DecodePatient(r, ownerID, now)
		if err := track(patients, "created", i, p.ID); err != nil {
			return models.ChangeSet{}, err
		}
		if p.Name == "" {
			return models.ChangeSet{}, apperrors.NewValidationError(fmt.Sprintf("changes.%s.created[%d].name", patients, i), "is required")
		}
		cs.Patients.Created = append(cs.Patients.Created, p)
	}
	for i, r := range c.Patients.Updated {
		p := DecodePatient(r, ownerID, now)
		if err := track(patients, "updated", i, p.ID); err != nil {
			return models.ChangeSet{}, err
		}
		if p.Name == "" {
			return models.ChangeSet{}, apperrors.NewValidationError(fmt.Sprintf("changes.%s.updated[%d].name", patients, i), "is required")
		}
		cs.Patients.Updated = append(cs.Patients.Updated, p)
	}
	for i, id := range c.Patients.Deleted {
		if err := track(patients, "deleted", i, id); err != nil {
			return models.ChangeSet{}, err
		}
		cs.Patients.Deleted = append(cs.Patients.Deleted, id)
	}

	notes := models.EntityClinicalNote.Collection()
	for i, r := range c.ClinicalNotes.Created {
		n := DecodeNote(r, ownerID, now)
		if err := track(notes, "created", i, n.ID); err != nil {
			return models.ChangeSet{}, err
		}
		if n.PatientID == "" {
			return models.ChangeSet{}, apperrors.NewValidationError(fmt.Sprintf("changes.%s.created[%d].patient_id", notes, i), "is required")
		}
		cs.Notes.Created = append(cs.Notes.Created, n)
	}
	for i, r := range c.ClinicalNotes.Updated {
		n := DecodeNote(r, ownerID, now)
		if err := track(notes, "updated", i, n.ID); err != nil {
			return models.ChangeSet{}, err
		}
		if n.PatientID == "" {
			return models.ChangeSet{}, apperrors.NewValidationError(fmt.Sprintf("changes.%s.updated[%d].patient_id", notes, i), "is required")
		}
		cs.Notes.Updated = append(cs.Notes.Updated, n)
	}
	for i, id := range c.ClinicalNotes.Deleted {
		if err := track(notes, "deleted", i, id); err != nil {
			return models.ChangeSet{}, err
		}
		cs.Notes.Deleted = append(cs.Notes.Deleted, id)
	}

	return cs, nil
}

// EncodeCursor converts a keyset cursor for the wire; the zero cursor encodes as null.
func EncodeCursor(c models.Cursor) (*Millis, string) {
	if c.IsZero() {
		return nil, ""
	}
	ms := Millis(c.CreatedAt.UnixMilli())
	return &ms, c.ID
}

// DecodeCursor is the inverse of EncodeCursor. Non-positive values mean no cursor.
func DecodeCursor(ms *Millis, id string) models.Cursor {
	if ms == nil || *ms <= 0 {
		return models.Cursor{}
	}
	return models.Cursor{CreatedAt: ToTime(int64(*ms)), ID: id}
}

// EncodeBatchedPull converts a batched pull result for the wire.
func EncodeBatchedPull(res *models.BatchedPullResult, now time.Time) BatchedPullResponse {
	out := BatchedPullResponse{
		Changes:          EncodeChanges(res.Changes, now),
		Timestamp:        Millis(res.Timestamp.UnixMilli()),
		HasMore:          res.HasMore,
		PatientsHasMore:  res.PatientsHasMore,
		NotesHasMore:     res.NotesHasMore,
		NextSkipPatients: res.NextSkipPatients,
		NextSkipNotes:    res.NextSkipNotes,
	}
	out.CursorPatient, out.CursorPatientID = EncodeCursor(res.PatientCursor)
	out.CursorNote, out.CursorNoteID = EncodeCursor(res.NoteCursor)
	return out
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
