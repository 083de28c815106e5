package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DuplicateStatus is the lifecycle state of a duplicate record.
type DuplicateStatus string

const (
	DuplicateStatusPending  DuplicateStatus = "pending"
	DuplicateStatusResolved DuplicateStatus = "resolved"
	DuplicateStatusSkipped  DuplicateStatus = "skipped"
)

// IsValidDuplicateStatus checks if the given status is valid.
func IsValidDuplicateStatus(s DuplicateStatus) bool {
	switch s {
	case DuplicateStatusPending, DuplicateStatusResolved, DuplicateStatusSkipped:
		return true
	}
	return false
}

// MatchReason is one signal that contributed to a duplicate match.
type MatchReason string

const (
	MatchReasonPhoneExact   MatchReason = "phone_exact"
	MatchReasonPhonePartial MatchReason = "phone_partial"
	MatchReasonEmailExact   MatchReason = "email_exact"
	MatchReasonNameSimilar  MatchReason = "name_similar"
)

// DuplicateMatch is one existing patient an imported contact may duplicate.
type DuplicateMatch struct {
	PatientID  string        `json:"patient_id"`
	Name       string        `json:"name"`
	Phone      string        `json:"phone,omitempty"`
	Email      string        `json:"email,omitempty"`
	Confidence float64       `json:"confidence"`
	Reasons    []MatchReason `json:"reasons"`
}

// DuplicateRecord parks an imported contact that matched existing patients
// until the clinician decides. Immutable once resolved or skipped.
type DuplicateRecord struct {
	ID                uuid.UUID          `json:"id"`
	JobID             uuid.UUID          `json:"job_id"`
	OwnerID           string             `json:"owner_id"`
	ExternalID        string             `json:"external_id"`
	Contact           NormalizedContact  `json:"contact"`
	RawContact        json.RawMessage    `json:"raw_contact,omitempty"`
	Matches           []DuplicateMatch   `json:"matches"`
	Status            DuplicateStatus    `json:"status"`
	Resolution        ResolutionStrategy `json:"resolution,omitempty"`
	ResolvedPatientID *string            `json:"resolved_patient_id,omitempty"`
	ResolvedAt        *time.Time         `json:"resolved_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// IsFinal returns true if the record was resolved or skipped.
func (d *DuplicateRecord) IsFinal() bool {
	return d.Status == DuplicateStatusResolved || d.Status == DuplicateStatusSkipped
}

// HasMatch returns true if patientID is among the record's candidates.
func (d *DuplicateRecord) HasMatch(patientID string) bool {
	for _, m := range d.Matches {
		if m.PatientID == patientID {
			return true
		}
	}
	return false
}

// DuplicateFilter narrows a duplicate listing.
type DuplicateFilter struct {
	Status *DuplicateStatus
	JobID  *uuid.UUID
	Limit  int
}
