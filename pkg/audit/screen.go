package audit

import (
	"context"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/ekaya-inc/patient-sync/pkg/models"
)

// LooksLikeXSS reports whether s matches libinjection's XSS signatures.
func LooksLikeXSS(s string) bool {
	if len(s) < 3 {
		return false
	}
	return libinjection.IsXSS(s)
}

// ScreenChanges logs an injection event for every free-text field in cs that
// looks like a script payload and returns how many were found. Nothing is
// rejected; the client renders these fields and is expected to escape them.
func (a *Auditor) ScreenChanges(ctx context.Context, ownerID string, cs models.ChangeSet) int {
	found := 0
	check := func(collection models.EntityType, id, field, value string) {
		if LooksLikeXSS(value) {
			found++
			a.LogInjectionAttempt(ctx, ownerID, InjectionDetails{
				Collection: collection.Collection(),
				RecordID:   id,
				Field:      field,
			})
		}
	}

	for _, group := range [][]*models.Patient{cs.Patients.Created, cs.Patients.Updated} {
		for _, p := range group {
			check(models.EntityPatient, p.ID, "name", p.Name)
			check(models.EntityPatient, p.ID, "address", models.StringValue(p.Address))
			check(models.EntityPatient, p.ID, "group", models.StringValue(p.Group))
			check(models.EntityPatient, p.ID, "photo_url", models.StringValue(p.PhotoURL))
		}
	}
	for _, group := range [][]*models.ClinicalNote{cs.Notes.Created, cs.Notes.Updated} {
		for _, n := range group {
			check(models.EntityClinicalNote, n.ID, "content", n.Content)
			check(models.EntityClinicalNote, n.ID, "visit_type", models.StringValue(n.VisitType))
		}
	}
	return found
}
