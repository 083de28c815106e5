package contacts

import (
	"strings"

	"github.com/ekaya-inc/patient-sync/pkg/models"
)

// Normalizer maps provider contacts to NormalizedContact.
type Normalizer struct {
	phones *PhoneNormalizer
}

// NewNormalizer creates a Normalizer using phones for phone numbers.
func NewNormalizer(phones *PhoneNormalizer) *Normalizer {
	return &Normalizer{phones: phones}
}

// Phones returns the phone normalizer, shared with duplicate detection.
func (n *Normalizer) Phones() *PhoneNormalizer {
	return n.phones
}

// Normalize takes the first usable value of each multi-valued field. The name
// falls back to the phone, then the email, then PlaceholderContactName.
func (n *Normalizer) Normalize(c models.ExternalContact) models.NormalizedContact {
	out := models.NormalizedContact{
		ExternalID: c.ResourceName,
		Address:    collapseSpaces(firstNonBlank(c.Addresses)),
		PhotoURL:   strings.TrimSpace(c.PhotoURL),
		Deleted:    c.Deleted,
	}

	for _, p := range c.Phones {
		if phone := n.phones.Normalize(p); phone != "" {
			out.Phone = phone
			break
		}
	}

	for _, e := range c.Emails {
		if email := strings.TrimSpace(e); strings.Contains(email, "@") {
			out.Email = email
			break
		}
	}

	out.Name = collapseSpaces(c.DisplayName)
	if out.Name == "" {
		out.Name = collapseSpaces(c.GivenName + " " + c.FamilyName)
	}
	if out.Name != "" {
		return out
	}
	out.NameDerived = true
	switch {
	case out.Phone != "":
		out.Name = out.Phone
	case out.Email != "":
		out.Name = out.Email
	default:
		out.Name = models.PlaceholderContactName
	}

	return out
}

// ApplyTo overwrites p's contact fields with the contact's non-empty values
// and links p to the contact. A derived name only fills a patient that has none.
func ApplyTo(p *models.Patient, c models.NormalizedContact) {
	if !c.NameDerived || p.Name == "" {
		p.Name = c.Name
	}
	if c.Phone != "" {
		p.Phone = models.StringPtr(c.Phone)
	}
	if c.Email != "" {
		p.Email = models.StringPtr(c.Email)
	}
	if c.Address != "" {
		p.Address = models.StringPtr(c.Address)
	}
	if c.PhotoURL != "" {
		p.PhotoURL = models.StringPtr(c.PhotoURL)
	}
	ext := c.ExternalID
	p.ExternalID = &ext
}

// NewPatient builds an imported patient from a contact.
func NewPatient(id, ownerID string, c models.NormalizedContact) *models.Patient {
	p := &models.Patient{
		ID:      id,
		OwnerID: ownerID,
		Source:  models.PatientSourceExternalImport,
	}
	ApplyTo(p, c)
	return p
}

func firstNonBlank(values []string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
