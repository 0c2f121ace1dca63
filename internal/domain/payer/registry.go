package payer

import (
	"fmt"
	"sort"
	"strings"
)

// Override replaces parts of a built-in entry, typically from PAYER_<ID>_*
// environment keys. Empty fields keep the built-in value.
type Override struct {
	Endpoint string
	APIKey   string
	Active   *bool
}

// Registry is a read-only lookup table of payers built once at startup.
// Lookups return copies, so callers can never mutate the table.
type Registry struct {
	providers map[string]Provider
	ids       []string
}

// Builtin returns the default payer table. Endpoints and credentials are
// supplied through overrides.
func Builtin() []Provider {
	return []Provider{
		{ID: "va", Name: "Veterans Affairs Community Care", Category: CategoryVAMilitary, Active: true, AutomationConfidence: 95},
		{ID: "tricare", Name: "TRICARE", Category: CategoryVAMilitary, Active: true, AutomationConfidence: 92},
		{ID: "medicare", Name: "Medicare Part B", Category: CategoryMedicare, Active: true, AutomationConfidence: 90},
		{ID: "medicaid", Name: "State Medicaid", Category: CategoryGovernment, Active: true, AutomationConfidence: 75},
		{ID: "aetna", Name: "Aetna", Category: CategoryCommercial, Active: true, AutomationConfidence: 85},
		{ID: "bcbs", Name: "Blue Cross Blue Shield", Category: CategoryCommercial, Active: true, AutomationConfidence: 82},
		{ID: "uhc", Name: "UnitedHealthcare", Category: CategoryCommercial, Active: true, AutomationConfidence: 84},
		{ID: "cigna", Name: "Cigna", Category: CategoryCommercial, Active: true, AutomationConfidence: 80},
		{ID: "humana", Name: "Humana", Category: CategoryCommercial, Active: true, AutomationConfidence: 78},
	}
}

// NewRegistry validates providers, applies overrides keyed by payer id and
// freezes the result. Overrides for unknown ids are an error.
func NewRegistry(providers []Provider, overrides map[string]Override) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		p.ID = strings.ToLower(p.ID)
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.providers[p.ID]; dup {
			return nil, fmt.Errorf("duplicate payer id %q", p.ID)
		}
		r.providers[p.ID] = p
		r.ids = append(r.ids, p.ID)
	}

	for id, o := range overrides {
		id = strings.ToLower(id)
		p, ok := r.providers[id]
		if !ok {
			return nil, fmt.Errorf("override for unknown payer %q", id)
		}
		if o.Endpoint != "" {
			p.Endpoint = strings.TrimRight(o.Endpoint, "/")
		}
		if o.APIKey != "" {
			p.Credential = o.APIKey
			p.CredentialRef = "PAYER_" + strings.ToUpper(id) + "_API_KEY"
		}
		if o.Active != nil {
			p.Active = *o.Active
		}
		r.providers[id] = p
	}

	sort.Strings(r.ids)
	return r, nil
}

// Get returns the payer with the given id.
func (r *Registry) Get(id string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(id)]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Resolve returns a payer that is ready to be used by the gateways: active,
// with an endpoint and a credential.
func (r *Registry) Resolve(id string) (Provider, error) {
	p, err := r.Get(id)
	if err != nil {
		return Provider{}, err
	}
	if !p.Active {
		return Provider{}, fmt.Errorf("%w: %s is inactive", ErrUnavailable, p.ID)
	}
	if p.Endpoint == "" {
		return Provider{}, fmt.Errorf("%w: %s has no endpoint configured", ErrUnavailable, p.ID)
	}
	if p.Credential == "" {
		return Provider{}, fmt.Errorf("%w: %s has no credential configured", ErrUnavailable, p.ID)
	}
	return p, nil
}

// List returns every payer ordered by id.
func (r *Registry) List() []Provider {
	out := make([]Provider, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.providers[id])
	}
	return out
}

// Exists reports whether id names a known payer, active or not.
func (r *Registry) Exists(id string) bool {
	_, ok := r.providers[strings.ToLower(id)]
	return ok
}
