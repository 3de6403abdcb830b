package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// ErrMissingTenant rejects a learning record created without tenant context.
// Persisting such a record would risk cross-tenant pattern leakage, so this
// is a hard rejection rather than a retryable error.
var ErrMissingTenant = eris.New("model: learning record requires a tenant id")

// VerifiedFields are the ground-truth payment values confirmed by a
// successful verification.
type VerifiedFields struct {
	Recipient string  `json:"recipient"`
	Account   string  `json:"account"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// LearningRecord is the evidence of one successful verification, queued for
// the asynchronous batch trainer.
type LearningRecord struct {
	ID                string                 `json:"id"`
	IssuerCode        string                 `json:"issuer_code"`
	TenantID          string                 `json:"tenant_id"`
	MerchantID        string                 `json:"merchant_id,omitempty"`
	OCRText           string                 `json:"ocr_text"`
	Verified          VerifiedFields         `json:"verified_data"`
	CandidatePatterns map[FieldType][]string `json:"extracted_patterns"`
	Confidence        float64                `json:"verification_confidence"`
	LearnedAt         time.Time              `json:"learned_at"`
	Processed         bool                   `json:"processed"`
	ProcessedAt       *time.Time             `json:"processed_at,omitempty"`
}

// NewLearningRecord builds a record for the learning queue. TenantID is
// required: records without one are rejected at creation.
func NewLearningRecord(issuerCode, tenantID, merchantID, ocrText string, verified VerifiedFields, candidates map[FieldType][]string, confidence float64) (*LearningRecord, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	return &LearningRecord{
		ID:                uuid.New().String(),
		IssuerCode:        issuerCode,
		TenantID:          tenantID,
		MerchantID:        merchantID,
		OCRText:           ocrText,
		Verified:          verified,
		CandidatePatterns: candidates,
		Confidence:        confidence,
		LearnedAt:         time.Now().UTC(),
	}, nil
}

// SavingsEvent records one verification that avoided (or incurred) a call to
// the expensive vision provider.
type SavingsEvent struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	IssuerCode  string    `json:"issuer_code"`
	Method      string    `json:"method"`
	AvoidedCost float64   `json:"avoided_cost_usd"`
	OccurredAt  time.Time `json:"occurred_at"`
}
