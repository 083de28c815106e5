package syncwire

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ekaya-inc/patient-sync/pkg/jsonutil"
	"github.com/ekaya-inc/patient-sync/pkg/models"
)

// FlexString decodes strings, numbers and booleans as text. Some clients
// serialize phone numbers as JSON numbers.
type FlexString string

// UnmarshalJSON never fails for scalar input.
func (s *FlexString) UnmarshalJSON(data []byte) error {
	*s = FlexString(strings.TrimSpace(jsonutil.FlexibleStringValue(json.RawMessage(data))))
	return nil
}

func (s FlexString) ptr() *string {
	return models.StringPtr(string(s))
}

func flex(s *string) FlexString {
	return FlexString(models.StringValue(s))
}

// PatientRecord is the wire form of a patient.
type PatientRecord struct {
	ID         string     `json:"id"`
	Name       FlexString `json:"name"`
	Phone      FlexString `json:"phone"`
	Email      FlexString `json:"email"`
	Address    FlexString `json:"address"`
	Group      FlexString `json:"group"`
	IsFavorite bool       `json:"is_favorite"`
	PhotoURL   FlexString `json:"photo_url"`
	ExternalID FlexString `json:"external_id"`
	Source     FlexString `json:"source"`
	CreatedAt  Millis     `json:"created_at"`
	UpdatedAt  Millis     `json:"updated_at"`
}

// NoteRecord is the wire form of a clinical note.
type NoteRecord struct {
	ID        string     `json:"id"`
	PatientID string     `json:"patient_id"`
	Content   FlexString `json:"content"`
	VisitType FlexString `json:"visit_type"`
	CreatedAt Millis     `json:"created_at"`
	UpdatedAt Millis     `json:"updated_at"`
}

// EncodePatient converts a stored patient for the wire.
func EncodePatient(p *models.Patient, now time.Time) PatientRecord {
	return PatientRecord{
		ID:         p.ID,
		Name:       FlexString(p.Name),
		Phone:      flex(p.Phone),
		Email:      flex(p.Email),
		Address:    flex(p.Address),
		Group:      flex(p.Group),
		IsFavorite: p.IsFavorite,
		PhotoURL:   flex(p.PhotoURL),
		ExternalID: flex(p.ExternalID),
		Source:     FlexString(p.Source),
		CreatedAt:  FromTime(p.CreatedAt, now),
		UpdatedAt:  FromTime(p.UpdatedAt, now),
	}
}

// DecodePatient converts a pushed record for the store. Blank optional fields
// become absent and corrupt timestamps are replaced with now. The owner is
// always taken from the caller, never from the payload. external_id and
// source are server-managed: a pushed record is always a manual patient with
// no provider link, whatever the client sent.
func DecodePatient(r PatientRecord, ownerID string, now time.Time) *models.Patient {
	return &models.Patient{
		ID:         strings.TrimSpace(r.ID),
		OwnerID:    ownerID,
		Name:       strings.TrimSpace(string(r.Name)),
		Phone:      r.Phone.ptr(),
		Email:      r.Email.ptr(),
		Address:    r.Address.ptr(),
		Group:      r.Group.ptr(),
		IsFavorite: r.IsFavorite,
		PhotoURL:   r.PhotoURL.ptr(),
		Source:     models.PatientSourceManual,
		CreatedAt:  RepairTime(r.CreatedAt, now),
		UpdatedAt:  RepairTime(r.UpdatedAt, now),
	}
}

// EncodeNote converts a stored note for the wire.
func EncodeNote(n *models.ClinicalNote, now time.Time) NoteRecord {
	return NoteRecord{
		ID:        n.ID,
		PatientID: n.PatientID,
		Content:   FlexString(n.Content),
		VisitType: flex(n.VisitType),
		CreatedAt: FromTime(n.CreatedAt, now),
		UpdatedAt: FromTime(n.UpdatedAt, now),
	}
}

// DecodeNote converts a pushed note for the store.
func DecodeNote(r NoteRecord, ownerID string, now time.Time) *models.ClinicalNote {
	return &models.ClinicalNote{
		ID:        strings.TrimSpace(r.ID),
		PatientID: strings.TrimSpace(r.PatientID),
		OwnerID:   ownerID,
		Content:   string(r.Content),
		VisitType: r.VisitType.ptr(),
		CreatedAt: RepairTime(r.CreatedAt, now),
		UpdatedAt: RepairTime(r.UpdatedAt, now),
	}
}
