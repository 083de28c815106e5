package models

import (
	"fmt"
	"sort"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
)

// ResolutionStrategy names how a duplicate was (or is to be) resolved.
type ResolutionStrategy string

const (
	ResolutionKeepExisting ResolutionStrategy = "keep_existing"
	ResolutionCreateNew    ResolutionStrategy = "create_new"
	ResolutionReplace      ResolutionStrategy = "replace"
	ResolutionMerge        ResolutionStrategy = "merge"
	// ResolutionSkip is recorded on skipped records; it is not a resolution request.
	ResolutionSkip ResolutionStrategy = "skip"
)

// MergeField is a patient field a merge can take from either side.
type MergeField string

const (
	MergeFieldName     MergeField = "name"
	MergeFieldPhone    MergeField = "phone"
	MergeFieldEmail    MergeField = "email"
	MergeFieldAddress  MergeField = "address"
	MergeFieldPhotoURL MergeField = "photo_url"
)

// MergeableFields lists every field a merge may choose.
var MergeableFields = []MergeField{
	MergeFieldName,
	MergeFieldPhone,
	MergeFieldEmail,
	MergeFieldAddress,
	MergeFieldPhotoURL,
}

// FieldSource picks which side of a merge a field comes from.
type FieldSource string

const (
	FieldSourceExisting FieldSource = "existing"
	FieldSourceIncoming FieldSource = "incoming"
)

// Resolution is a validated duplicate resolution. The concrete type is one of
// KeepExisting, CreateNew, Replace or Merge.
type Resolution interface {
	Strategy() ResolutionStrategy
	// Target returns the existing patient the resolution applies to; empty for CreateNew
	// or when the caller left it to the best match.
	Target() string
	isResolution()
}

// KeepExisting discards the incoming contact.
type KeepExisting struct{ PatientID string }

// CreateNew creates a separate patient from the incoming contact.
type CreateNew struct{}

// Replace overwrites the matched patient's contact fields with the incoming contact.
type Replace struct{ PatientID string }

// Merge builds the patient field by field.
type Merge struct {
	PatientID string
	Fields    map[MergeField]FieldSource
}

func (KeepExisting) Strategy() ResolutionStrategy { return ResolutionKeepExisting }
func (CreateNew) Strategy() ResolutionStrategy    { return ResolutionCreateNew }
func (Replace) Strategy() ResolutionStrategy      { return ResolutionReplace }
func (Merge) Strategy() ResolutionStrategy        { return ResolutionMerge }

func (r KeepExisting) Target() string { return r.PatientID }
func (CreateNew) Target() string      { return "" }
func (r Replace) Target() string      { return r.PatientID }
func (r Merge) Target() string        { return r.PatientID }

func (KeepExisting) isResolution() {}
func (CreateNew) isResolution()    {}
func (Replace) isResolution()      {}
func (Merge) isResolution()        {}

// Source returns the side a merge takes field f from; unspecified fields keep the existing value.
func (m Merge) Source(f MergeField) FieldSource {
	if src, ok := m.Fields[f]; ok {
		return src
	}
	return FieldSourceExisting
}

// ResolutionRequest is the wire form of a resolution.
type ResolutionRequest struct {
	Strategy  ResolutionStrategy `json:"strategy"`
	PatientID string             `json:"patient_id,omitempty"`
	Fields    map[string]string  `json:"fields,omitempty"`
}

// Parse validates the request and returns the matching Resolution variant.
func (r ResolutionRequest) Parse() (Resolution, error) {
	if r.Strategy != ResolutionMerge && len(r.Fields) > 0 {
		return nil, apperrors.NewValidationError("fields", "only allowed with strategy %q", ResolutionMerge)
	}

	switch r.Strategy {
	case ResolutionKeepExisting:
		return KeepExisting{PatientID: r.PatientID}, nil
	case ResolutionCreateNew:
		if r.PatientID != "" {
			return nil, apperrors.NewValidationError("patient_id", "not allowed with strategy %q", ResolutionCreateNew)
		}
		return CreateNew{}, nil
	case ResolutionReplace:
		return Replace{PatientID: r.PatientID}, nil
	case ResolutionMerge:
		fields, err := parseMergeFields(r.Fields)
		if err != nil {
			return nil, err
		}
		return Merge{PatientID: r.PatientID, Fields: fields}, nil
	case "":
		return nil, apperrors.NewValidationError("strategy", "is required")
	default:
		return nil, apperrors.NewValidationError("strategy", "unknown strategy %q", r.Strategy)
	}
}

func parseMergeFields(raw map[string]string) (map[MergeField]FieldSource, error) {
	if len(raw) == 0 {
		return nil, apperrors.NewValidationError("fields", "merge requires at least one field choice")
	}

	// Sorted so the first reported error is stable.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make(map[MergeField]FieldSource, len(raw))
	for _, k := range keys {
		field := MergeField(k)
		if !isMergeable(field) {
			return nil, apperrors.NewValidationError(fmt.Sprintf("fields.%s", k), "not a mergeable field")
		}
		src := FieldSource(raw[k])
		if src != FieldSourceExisting && src != FieldSourceIncoming {
			return nil, apperrors.NewValidationError(fmt.Sprintf("fields.%s", k), "source must be %q or %q, got %q",
				FieldSourceExisting, FieldSourceIncoming, raw[k])
		}
		fields[field] = src
	}
	return fields, nil
}

func isMergeable(f MergeField) bool {
	for _, m := range MergeableFields {
		if m == f {
			return true
		}
	}
	return false
}

// ResolveOutcome reports the effect of a resolve or skip call.
type ResolveOutcome struct {
	DuplicateID     string             `json:"duplicate_id"`
	Status          DuplicateStatus    `json:"status"`
	Resolution      ResolutionStrategy `json:"resolution"`
	PatientID       *string            `json:"patient_id,omitempty"`
	AlreadyResolved bool               `json:"already_resolved"`
	Error           string             `json:"error,omitempty"`
}

// BatchResolveItem is one entry of a batch resolve request.
type BatchResolveItem struct {
	DuplicateID string `json:"duplicate_id"`
	ResolutionRequest
}
