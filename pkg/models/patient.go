package models

import (
	"strings"
	"time"

	"github.com/jinzhu/inflection"
)

// EntityType names a synchronized collection.
type EntityType string

const (
	EntityPatient      EntityType = "patient"
	EntityClinicalNote EntityType = "clinical_note"
)

// Collection returns the plural name used for wire keys and audit events ("patients", "clinical_notes").
func (e EntityType) Collection() string {
	return inflection.Plural(string(e))
}

// PatientSource records how a patient first entered the roster.
type PatientSource string

const (
	PatientSourceManual         PatientSource = "manual"
	PatientSourceExternalImport PatientSource = "external_import"
)

// Patient is a roster entry owned by one clinician.
// DeletedAt set means the record is tombstoned: hidden from reads, kept for sync propagation.
type Patient struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	Name         string        `json:"name"`
	Phone        *string       `json:"phone,omitempty"`
	Email        *string       `json:"email,omitempty"`
	Address      *string       `json:"address,omitempty"`
	Group        *string       `json:"group,omitempty"`
	IsFavorite   bool          `json:"is_favorite"`
	PhotoURL     *string       `json:"photo_url,omitempty"`
	ExternalID   *string       `json:"external_id,omitempty"`
	Source       PatientSource `json:"source"`
	LastSyncedAt *time.Time    `json:"last_synced_at,omitempty"`
	SyncVersion  int           `json:"sync_version"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	DeletedAt    *time.Time    `json:"deleted_at,omitempty"`
}

// IsDeleted returns true if the patient has been tombstoned.
func (p *Patient) IsDeleted() bool {
	return p.DeletedAt != nil
}

// EditedSinceSync returns true if the patient was modified locally after the
// last external import wrote it. Such patients are not overwritten by imports.
func (p *Patient) EditedSinceSync() bool {
	if p.LastSyncedAt == nil {
		return false
	}
	return p.UpdatedAt.After(*p.LastSyncedAt)
}

// ClinicalNote is a dated note attached to a patient of the same owner.
type ClinicalNote struct {
	ID        string     `json:"id"`
	PatientID string     `json:"patient_id"`
	OwnerID   string     `json:"owner_id"`
	Content   string     `json:"content"`
	VisitType *string    `json:"visit_type,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// StringPtr returns nil for blank strings so optional fields are stored as absent.
func StringPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// StringValue dereferences an optional string.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
