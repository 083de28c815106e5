package models

import "encoding/json"

// ExternalContact is a contact as reported by an address-book provider,
// before normalization. Multi-valued fields keep the provider's order; the
// primary value (if flagged) is first.
type ExternalContact struct {
	ResourceName string   `json:"resource_name"`
	DisplayName  string   `json:"display_name,omitempty"`
	GivenName    string   `json:"given_name,omitempty"`
	FamilyName   string   `json:"family_name,omitempty"`
	Phones       []string `json:"phones,omitempty"`
	Emails       []string `json:"emails,omitempty"`
	Addresses    []string `json:"addresses,omitempty"`
	PhotoURL     string   `json:"photo_url,omitempty"`
	// Deleted is set by incremental listings for contacts removed at the provider.
	Deleted bool `json:"deleted,omitempty"`

	// Raw is the provider's payload as received.
	Raw json.RawMessage `json:"-"`
}

// PlaceholderContactName is used when a contact has no name, phone or email.
const PlaceholderContactName = "Unknown Contact"

// NormalizedContact is the canonical form used for duplicate detection and patient writes.
type NormalizedContact struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Address    string `json:"address,omitempty"`
	PhotoURL   string `json:"photo_url,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`

	// NameDerived is set when the contact had no name and Name was filled
	// from the phone, the email or the placeholder.
	NameDerived bool `json:"name_derived,omitempty"`
}

// ContactPage is one page of a provider listing.
type ContactPage struct {
	Contacts      []ExternalContact
	NextPageToken string
	// NextSyncToken is only set on the last page.
	NextSyncToken string
	// TotalItems is the provider's estimate of the full listing size, 0 when unknown.
	TotalItems int
}
