package models

import "time"

// PatientChanges is one pull/push section for patients.
type PatientChanges struct {
	Created []*Patient
	Updated []*Patient
	Deleted []string
}

// Len returns the number of records in the section.
func (c PatientChanges) Len() int {
	return len(c.Created) + len(c.Updated) + len(c.Deleted)
}

// NoteChanges is one pull/push section for clinical notes.
type NoteChanges struct {
	Created []*ClinicalNote
	Updated []*ClinicalNote
	Deleted []string
}

// Len returns the number of records in the section.
func (c NoteChanges) Len() int {
	return len(c.Created) + len(c.Updated) + len(c.Deleted)
}

// ChangeSet groups patient and note changes.
// For pushes, Updated records carry the client's updated_at (already repaired).
type ChangeSet struct {
	Patients PatientChanges
	Notes    NoteChanges
}

// IsEmpty returns true if the change set carries nothing.
func (c ChangeSet) IsEmpty() bool {
	return c.Patients.Len() == 0 && c.Notes.Len() == 0
}

// PullResult is the outcome of a full pull.
type PullResult struct {
	Changes   ChangeSet
	Timestamp time.Time
	// Truncated is set when the safety cap was hit for any collection.
	Truncated bool
}

// Cursor is a keyset position in (created_at, id) order.
// A zero CreatedAt means "from the start".
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero returns true for the start-of-collection cursor.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// BatchedPullRequest parameterizes one batch of a batched pull session.
type BatchedPullRequest struct {
	Since         time.Time
	BatchSize     int
	PatientCursor Cursor
	NoteCursor    Cursor
	// Legacy offset paging; only consulted when the matching cursor is zero.
	SkipPatients int
	SkipNotes    int
}

// IsFirstBatch returns true when no paging position was supplied.
// Tombstones are only sent on the first batch of a session.
func (r BatchedPullRequest) IsFirstBatch() bool {
	return r.PatientCursor.IsZero() && r.NoteCursor.IsZero() && r.SkipPatients == 0 && r.SkipNotes == 0
}

// BatchedPullResult is one batch of a batched pull.
type BatchedPullResult struct {
	Changes          ChangeSet
	Timestamp        time.Time
	HasMore          bool
	PatientsHasMore  bool
	NotesHasMore     bool
	PatientCursor    Cursor
	NoteCursor       Cursor
	NextSkipPatients int
	NextSkipNotes    int
}

// PendingCounts is the number of pending changes for one collection since a watermark.
type PendingCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Total returns the sum of all pending changes.
func (c PendingCounts) Total() int {
	return c.Created + c.Updated + c.Deleted
}

// PullMode is the recommended client strategy for the next pull.
type PullMode string

const (
	PullModeFull    PullMode = "full"
	PullModeBatched PullMode = "batched"
)

// SyncStats summarizes pending work for a client's watermark.
type SyncStats struct {
	Since           time.Time                `json:"-"`
	Collections     map[string]PendingCounts `json:"collections"`
	TotalChanges    int                      `json:"total_changes"`
	RecommendedMode PullMode                 `json:"recommended_mode"`
	ComputedAt      time.Time                `json:"-"`
}

// SyncOperation names an auditable sync action.
type SyncOperation string

const (
	SyncOperationPull        SyncOperation = "pull"
	SyncOperationBatchedPull SyncOperation = "pull_batched"
	SyncOperationPush        SyncOperation = "push"
)
