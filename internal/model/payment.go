package model

import "time"

// ExpectedPayment is the payment the screenshot is supposed to evidence.
type ExpectedPayment struct {
	Amount         float64    `json:"amount"`
	Currency       string     `json:"currency"`
	RecipientNames []string   `json:"recipient_names"`
	ToAccount      string     `json:"to_account"`
	Bank           string     `json:"bank"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	ReceivedAt     *time.Time `json:"received_at,omitempty"`
}

// VerificationStatus is the terminal state of one verification attempt.
type VerificationStatus string

const (
	StatusVerified VerificationStatus = "verified"
	StatusRejected VerificationStatus = "rejected"
	StatusPending  VerificationStatus = "pending"
	StatusError    VerificationStatus = "error"
)

// VerificationMethod records which extraction path produced the outcome.
type VerificationMethod string

const (
	MethodPattern        VerificationMethod = "pattern"
	MethodVisionFallback VerificationMethod = "vision_fallback"
)

// Rejection reason codes. Multiple simultaneous reasons are concatenated on
// the outcome, not prioritized.
const (
	ReasonAmountMismatch    = "amount_mismatch"
	ReasonRecipientMismatch = "recipient_mismatch"
	ReasonAccountMismatch   = "account_mismatch"
	ReasonPastDueDate       = "past_due_date"
)

// VerificationOutcome is the pipeline's answer for one request.
type VerificationOutcome struct {
	Status        VerificationStatus   `json:"status"`
	Extracted     map[FieldType]string `json:"extracted_data,omitempty"`
	Confidence    float64              `json:"confidence"`
	Method        VerificationMethod   `json:"processing_method"`
	CostEffective bool                 `json:"cost_effective"`
	Reasons       []string             `json:"reasons,omitempty"`
	IssuerCode    string               `json:"issuer_code,omitempty"`
}
