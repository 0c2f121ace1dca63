package payer

import (
	"errors"
	"fmt"
)

// Payer categories. VA/military and Medicare coverage is answered by policy.
const (
	CategoryVAMilitary = "va_military"
	CategoryMedicare   = "medicare"
	CategoryCommercial = "commercial"
	CategoryGovernment = "government"
)

var (
	ErrNotFound = errors.New("payer not found")
	// ErrUnavailable is a configuration failure: the payer is inactive or has
	// no credential for a category that calls out.
	ErrUnavailable = errors.New("payer unavailable")
)

var validCategories = map[string]bool{
	CategoryVAMilitary: true, CategoryMedicare: true,
	CategoryCommercial: true, CategoryGovernment: true,
}

// Provider is one payer integration.
type Provider struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Endpoint string `json:"endpoint,omitempty"`
	// CredentialRef names the environment key the credential was read from.
	CredentialRef string `json:"credential_ref,omitempty"`
	Credential    string `json:"-"`
	Active        bool   `json:"active"`
	// AutomationConfidence (0-100) is informational only.
	AutomationConfidence int `json:"automation_confidence"`
}

// BypassesVerification reports whether eligibility is granted by policy
// without a real-time call.
func (p Provider) BypassesVerification() bool {
	return p.Category == CategoryVAMilitary || p.Category == CategoryMedicare
}

// Configured reports whether the payer has everything needed for outbound calls.
func (p Provider) Configured() bool {
	return p.Endpoint != "" && p.Credential != ""
}

func (p Provider) validate() error {
	if p.ID == "" {
		return fmt.Errorf("payer id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("payer %s: name is required", p.ID)
	}
	if !validCategories[p.Category] {
		return fmt.Errorf("payer %s: invalid category %q", p.ID, p.Category)
	}
	if p.AutomationConfidence < 0 || p.AutomationConfidence > 100 {
		return fmt.Errorf("payer %s: automation confidence must be within 0-100", p.ID)
	}
	return nil
}
