package models

import "time"

// ProviderGoogle identifies the Google Contacts provider.
const ProviderGoogle = "google"

// ProviderCredential is the stored offline authorization for a contacts provider.
// RefreshToken is ciphertext when read from or written to the repository.
type ProviderCredential struct {
	OwnerID      string    `json:"owner_id"`
	Provider     string    `json:"provider"`
	RefreshToken string    `json:"-"`
	Scopes       []string  `json:"scopes"`
	AccountEmail *string   `json:"account_email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
