package contacts

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/ekaya-inc/patient-sync/pkg/models"
)

const (
	confidencePhoneExact   = 1.0
	confidencePhonePartial = 0.8
	confidenceEmailExact   = 0.95
	// Name similarity alone is weak evidence; with another signal it is stronger.
	confidenceNameCombined = 0.7
	confidenceNameAlone    = 0.5

	// NameSimilarityThreshold is the ratio a name pair must exceed to count.
	NameSimilarityThreshold = 0.85
	// MinConfidence is the lowest confidence reported as a match.
	MinConfidence = 0.5

	partialPhoneDigits = 10
)

// indexedPatient caches the normalized comparison keys of a patient.
type indexedPatient struct {
	patient *models.Patient
	phone   string
	last10  string
	email   string
	name    string
}

// PatientIndex holds an owner's live patients prepared for duplicate scoring.
// Not safe for concurrent use.
type PatientIndex struct {
	phones   *PhoneNormalizer
	patients []indexedPatient
	dmp      *diffmatchpatch.DiffMatchPatch
}

// NewPatientIndex prepares patients for scoring.
func NewPatientIndex(phones *PhoneNormalizer, patients []*models.Patient) *PatientIndex {
	idx := &PatientIndex{
		phones:   phones,
		patients: make([]indexedPatient, 0, len(patients)),
		dmp:      diffmatchpatch.New(),
	}
	for _, p := range patients {
		idx.Add(p)
	}
	return idx
}

// Add makes p a candidate for later contacts, e.g. after an import created it.
// Deleted patients are ignored.
func (idx *PatientIndex) Add(p *models.Patient) {
	if p == nil || p.IsDeleted() {
		return
	}
	phone := idx.phones.Normalize(models.StringValue(p.Phone))
	idx.patients = append(idx.patients, indexedPatient{
		patient: p,
		phone:   phone,
		last10:  LastDigits(phone, partialPhoneDigits),
		email:   normalizeEmail(models.StringValue(p.Email)),
		name:    normalizeName(p.Name),
	})
}

// Len returns the number of indexed patients.
func (idx *PatientIndex) Len() int {
	return len(idx.patients)
}

// FindMatches scores c against every indexed patient and returns candidates
// with confidence of at least MinConfidence, highest first (ties by patient id).
func (idx *PatientIndex) FindMatches(c models.NormalizedContact) []models.DuplicateMatch {
	phone := c.Phone
	last10 := LastDigits(phone, partialPhoneDigits)
	email := normalizeEmail(c.Email)
	name := ""
	if c.Name != models.PlaceholderContactName {
		name = normalizeName(c.Name)
	}

	var matches []models.DuplicateMatch
	for _, ip := range idx.patients {
		var reasons []models.MatchReason
		confidence := 0.0

		switch {
		case phone != "" && phone == ip.phone:
			reasons = append(reasons, models.MatchReasonPhoneExact)
			confidence = confidencePhoneExact
		case last10 != "" && last10 == ip.last10:
			reasons = append(reasons, models.MatchReasonPhonePartial)
			confidence = confidencePhonePartial
		}

		if email != "" && email == ip.email {
			reasons = append(reasons, models.MatchReasonEmailExact)
			confidence = max(confidence, confidenceEmailExact)
		}

		if name != "" && ip.name != "" && idx.NameSimilarity(name, ip.name) > NameSimilarityThreshold {
			nameConfidence := confidenceNameAlone
			if len(reasons) > 0 {
				nameConfidence = confidenceNameCombined
			}
			reasons = append(reasons, models.MatchReasonNameSimilar)
			confidence = max(confidence, nameConfidence)
		}

		if confidence < MinConfidence {
			continue
		}
		matches = append(matches, models.DuplicateMatch{
			PatientID:  ip.patient.ID,
			Name:       ip.patient.Name,
			Phone:      models.StringValue(ip.patient.Phone),
			Email:      models.StringValue(ip.patient.Email),
			Confidence: confidence,
			Reasons:    reasons,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return matches[i].PatientID < matches[j].PatientID
	})
	return matches
}

// NameSimilarity returns 2*M/T where M is the number of characters the two
// strings share in a minimal diff and T is their combined length; 1.0 for
// identical strings, 0.0 for nothing in common.
func (idx *PatientIndex) NameSimilarity(a, b string) float64 {
	total := utf8.RuneCountInString(a) + utf8.RuneCountInString(b)
	if total == 0 {
		return 1.0
	}
	if a == b {
		return 1.0
	}

	equal := 0
	for _, d := range idx.dmp.DiffMain(a, b, false) {
		if d.Type == diffmatchpatch.DiffEqual {
			equal += utf8.RuneCountInString(d.Text)
		}
	}
	return 2.0 * float64(equal) / float64(total)
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeName(s string) string {
	return strings.ToLower(collapseSpaces(s))
}
