// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"fmt"
	"time"
)

// CaseFacts is the structured input for one audit case evaluation.
// It is assembled by the caller (API layer or async worker) from persisted
// claim records plus history enrichment, and treated as read-only by the
// pipeline.
type CaseFacts struct {
	TenantID string `json:"tenantId"`
	CaseID   string `json:"caseId"`

	// Parties
	PatientID  string `json:"patientId"`
	ProviderID string `json:"providerId"`

	// Claim details
	ClaimType      string   `json:"claimType"` // e.g. "inpatient", "outpatient", "pharmacy"
	ClaimAmount    float64  `json:"claimAmount"`
	Currency       string   `json:"currency"`
	ProcedureCodes []string `json:"procedureCodes,omitempty"`
	DiagnosisCodes []string `json:"diagnosisCodes,omitempty"`

	// Free text sent to the medical-validation model
	MedicalText string `json:"medicalText,omitempty"`

	// Geographic facts for cross-location checks
	ProviderLat     float64 `json:"providerLat,omitempty"`
	ProviderLng     float64 `json:"providerLng,omitempty"`
	PatientLat      float64 `json:"patientLat,omitempty"`
	PatientLng      float64 `json:"patientLng,omitempty"`
	ProviderCountry string  `json:"providerCountry,omitempty"`
	PatientCountry  string  `json:"patientCountry,omitempty"`

	SubmittedAt time.Time `json:"submittedAt"`

	// History holds per-entity aggregates filled in by the history service
	// before evaluation (daily claim counts, monthly amounts, peer ratios).
	History map[string]float64 `json:"history,omitempty"`

	// Verification flags (documentation present, authorization mismatches)
	Flags map[string]bool `json:"flags,omitempty"`

	// Extra carries anything the caller wants visible to fraud rules.
	Extra map[string]any `json:"extra,omitempty"`
}

// Validate checks the minimum facts needed to run any pipeline.
func (f *CaseFacts) Validate() error {
	if f.TenantID == "" {
		return fmt.Errorf("%w: tenantId is required", ErrInvalidCaseFacts)
	}
	if f.CaseID == "" {
		return fmt.Errorf("%w: caseId is required", ErrInvalidCaseFacts)
	}
	if f.ProviderID == "" {
		return fmt.Errorf("%w: providerId is required", ErrInvalidCaseFacts)
	}
	if f.ClaimAmount < 0 {
		return fmt.Errorf("%w: claimAmount must not be negative", ErrInvalidCaseFacts)
	}
	return nil
}

// Flatten maps the facts onto the flat activation map the fraud matcher
// evaluates conditions against. History, flags, and extra entries are merged
// in last so rule authors can reference enrichment keys directly.
func (f *CaseFacts) Flatten() map[string]any {
	m := map[string]any{
		"tenant_id":        f.TenantID,
		"case_id":          f.CaseID,
		"patient_id":       f.PatientID,
		"provider_id":      f.ProviderID,
		"claim_type":       f.ClaimType,
		"claim_amount":     f.ClaimAmount,
		"currency":         f.Currency,
		"procedure_codes":  anySlice(f.ProcedureCodes),
		"diagnosis_codes":  anySlice(f.DiagnosisCodes),
		"procedure_count":  int64(len(f.ProcedureCodes)),
		"diagnosis_count":  int64(len(f.DiagnosisCodes)),
		"provider_country": f.ProviderCountry,
		"patient_country":  f.PatientCountry,
		"submitted_hour":   int64(f.SubmittedAt.Hour()),
		"submitted_unix":   f.SubmittedAt.Unix(),
	}
	// Coordinates are only exposed when actually set: geographic rules
	// guard on key presence, and an absent location must not look like
	// lat/lng (0,0).
	if f.ProviderLat != 0 || f.ProviderLng != 0 {
		m["provider_lat"] = f.ProviderLat
		m["provider_lng"] = f.ProviderLng
	}
	if f.PatientLat != 0 || f.PatientLng != 0 {
		m["patient_lat"] = f.PatientLat
		m["patient_lng"] = f.PatientLng
	}
	for k, v := range f.History {
		m[k] = v
	}
	for k, v := range f.Flags {
		m[k] = v
	}
	for k, v := range f.Extra {
		m[k] = v
	}
	return m
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Case is the persisted record of a submitted audit case.
type Case struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Facts     CaseFacts `json:"facts"`
	CreatedAt time.Time `json:"createdAt"`
}
