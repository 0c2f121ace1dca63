package denial

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Correction types.
const (
	CorrectionCodeChange    = "code_change"
	CorrectionModifierAdd   = "modifier_add"
	CorrectionDocumentation = "documentation_update"
	CorrectionPatientInfo   = "patient_info"
)

// Appeal statuses.
const (
	AppealPending   = "pending"
	AppealSubmitted = "submitted"
	AppealFailed    = "failed"
)

var (
	ErrNotFound  = errors.New("denial analysis not found")
	ErrNotDenied = errors.New("claim is not awaiting denial handling")
)

// Correction is one proposed field-level fix.
type Correction struct {
	Type          string `json:"type"`
	Field         string `json:"field"`
	OriginalValue string `json:"original_value"`
	ProposedValue string `json:"proposed_value"`
	Confidence    int    `json:"confidence"`
	Justification string `json:"justification"`
}

// Analysis is derived from one denied claim in one automation cycle.
type Analysis struct {
	ID                 uuid.UUID    `json:"id"`
	ClaimID            uuid.UUID    `json:"claim_id"`
	Cycle              int          `json:"cycle"`
	DenialCodes        []string     `json:"denial_codes"`
	DenialReasons      []string     `json:"denial_reasons"`
	AutoCorrectable    bool         `json:"auto_correctable"`
	Corrections        []Correction `json:"corrections"`
	AppealProbability  int          `json:"appeal_probability"`
	RecommendedActions []string     `json:"recommended_actions"`
	Disposition        string       `json:"disposition,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`

	grounds   []string
	documents []string
}

// Appeal is the packet filed with the payer for a denied claim.
type Appeal struct {
	ID                  uuid.UUID `json:"id"`
	ClaimID             uuid.UUID `json:"claim_id"`
	AnalysisID          uuid.UUID `json:"analysis_id"`
	DenialReasons       []string  `json:"denial_reasons"`
	Grounds             []string  `json:"grounds"`
	SupportingDocuments []string  `json:"supporting_documents"`
	RequestedAmount     float64   `json:"requested_amount"`
	Probability         int       `json:"probability"`
	Status              string    `json:"status"`
	Reference           string    `json:"reference,omitempty"`
	Error               string    `json:"error,omitempty"`
	SubmittedAt         time.Time `json:"submitted_at"`
}
