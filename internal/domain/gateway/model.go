package gateway

import (
	"time"

	"github.com/google/uuid"
)

// Authorization statuses returned by payers.
const (
	AuthApproved = "approved"
	AuthPending  = "pending"
	AuthDenied   = "denied"
)

// EligibilityRequest identifies the patient, provider and service to verify.
type EligibilityRequest struct {
	ClaimID        uuid.UUID `json:"claim_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	ProviderID     uuid.UUID `json:"provider_id"`
	ServiceDate    string    `json:"service_date"`
	ProcedureCode  string    `json:"procedure_code,omitempty"`
	DiagnosisCodes []string  `json:"diagnosis_codes,omitempty"`
}

// CoverageDetail is the patient's cost-share. All values are dollars.
type CoverageDetail struct {
	Deductible     float64 `json:"deductible"`
	DeductibleMet  float64 `json:"deductible_met"`
	Copay          float64 `json:"copay"`
	Coinsurance    float64 `json:"coinsurance"`
	OutOfPocketMax float64 `json:"out_of_pocket_max"`
	OutOfPocketMet float64 `json:"out_of_pocket_met"`
}

// EligibilityResult is the outcome of a coverage check.
type EligibilityResult struct {
	Eligible          bool           `json:"is_eligible"`
	Coverage          CoverageDetail `json:"coverage"`
	PriorAuthRequired bool           `json:"prior_auth_required"`
	EffectiveDate     *time.Time     `json:"effective_date,omitempty"`
	Errors            []string       `json:"errors,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
	// ByPolicy is set when the result was granted without a payer call.
	ByPolicy bool `json:"by_policy,omitempty"`
}

// AuthorizationRequest asks the payer to approve a service in advance.
type AuthorizationRequest struct {
	ClaimID        uuid.UUID `json:"claim_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	ProviderID     uuid.UUID `json:"provider_id"`
	ServiceDate    string    `json:"service_date"`
	ProcedureCode  string    `json:"procedure_code,omitempty"`
	DiagnosisCodes []string  `json:"diagnosis_codes,omitempty"`
	Amount         float64   `json:"amount"`
}

// AuthorizationResult is the outcome of a prior-authorization request.
type AuthorizationResult struct {
	Number         string     `json:"authorization_number"`
	Status         string     `json:"status"`
	ApprovalDate   *time.Time `json:"approval_date,omitempty"`
	DenialReason   string     `json:"denial_reason,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
}

// SubmissionRequest carries the claim to the payer.
type SubmissionRequest struct {
	ClaimID             uuid.UUID `json:"claim_id"`
	Cycle               int       `json:"cycle"`
	ClaimNumber         string    `json:"claim_number"`
	PatientID           uuid.UUID `json:"patient_id"`
	ProviderID          uuid.UUID `json:"provider_id"`
	ServiceDate         string    `json:"service_date"`
	TotalAmount         float64   `json:"total_amount"`
	ProcedureCode       string    `json:"procedure_code,omitempty"`
	Modifiers           []string  `json:"modifiers,omitempty"`
	DiagnosisCodes      []string  `json:"diagnosis_codes,omitempty"`
	AuthorizationNumber string    `json:"authorization_number,omitempty"`
	Attachments         []string  `json:"attachments,omitempty"`
}

// DenialReason is one CARC/RARC code with the payer's description.
type DenialReason struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// SubmissionResult is the payer's answer to a claim submission.
type SubmissionResult struct {
	Accepted      bool           `json:"accepted"`
	PayerClaimID  string         `json:"payer_claim_id"`
	DenialReasons []DenialReason `json:"denial_reasons,omitempty"`
}

// AppealRequest is the appeal packet sent for a denied claim.
type AppealRequest struct {
	ClaimID             uuid.UUID      `json:"claim_id"`
	Cycle               int            `json:"cycle"`
	ClaimNumber         string         `json:"claim_number"`
	PayerClaimID        string         `json:"payer_claim_id,omitempty"`
	DenialReasons       []DenialReason `json:"denial_reasons"`
	Grounds             []string       `json:"grounds"`
	SupportingDocuments []string       `json:"supporting_documents"`
	RequestedAmount     float64        `json:"requested_amount"`
}

// AppealResult acknowledges a filed appeal.
type AppealResult struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}
