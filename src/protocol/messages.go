package protocol

import (
	"time"

	"github.com/shopspring/decimal"
)

// Verb request/response shapes. Field names are the public contract and are
// shared by the HTTP surface and the outbound agent calls.

type DiscoverFilters struct {
	Location      string           `json:"location,omitempty"`
	MaxPrice      *decimal.Decimal `json:"max_price,omitempty"`
	MinReputation *float64         `json:"min_reputation,omitempty"`
	Tags          []string         `json:"tags,omitempty"`
	Query         string           `json:"query,omitempty"`
}

type DiscoverRequest struct {
	Capability string           `json:"capability" binding:"required"`
	Filters    *DiscoverFilters `json:"filters,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

type DiscoveredAgent struct {
	DID             string  `json:"did"`
	Name            string  `json:"name"`
	ReputationScore float64 `json:"reputation_score"`
	Pricing         any     `json:"pricing"`
	Score           float64 `json:"score"`
}

type DiscoverResponse struct {
	Agents    []DiscoveredAgent `json:"agents"`
	Signature string            `json:"signature,omitempty"`
}

type AgentQuery struct {
	Action     string         `json:"action" binding:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type QueryRequest struct {
	AgentDID string     `json:"agent_did" binding:"required"`
	Query    AgentQuery `json:"query" binding:"required"`
}

type QueryResult struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type QueryResponse struct {
	AgentDID  string      `json:"agent_did"`
	Response  QueryResult `json:"response"`
	Signature string      `json:"signature,omitempty"`
}

type ProposalBody struct {
	Action     string           `json:"action" binding:"required"`
	Parameters map[string]any   `json:"parameters,omitempty"`
	MaxPrice   *decimal.Decimal `json:"max_price,omitempty"`
}

type ProposeRequest struct {
	AgentDID       string       `json:"agent_did" binding:"required"`
	Proposal       ProposalBody `json:"proposal" binding:"required"`
	ClientRef      string       `json:"client_ref,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

type ProposeResponse struct {
	ProposalID  string         `json:"proposal_id"`
	Status      string         `json:"status"` // accepted | rejected
	Reservation map[string]any `json:"reservation,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Signature   string         `json:"signature,omitempty"`
}

type CommitRequest struct {
	AgentDID       string `json:"agent_did" binding:"required"`
	ProposalID     string `json:"proposal_id" binding:"required"`
	PaymentProof   string `json:"payment_proof" binding:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CommitResponse struct {
	CommitmentID string         `json:"commitment_id"`
	Status       string         `json:"status"` // confirmed | failed
	Confirmation map[string]any `json:"confirmation,omitempty"`
	Signature    string         `json:"signature,omitempty"`
}

type CancelRequest struct {
	ProposalID      string `json:"proposal_id,omitempty"`
	CommitmentID    string `json:"commitment_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	RefundRequested bool   `json:"refund_requested,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

type CancelResponse struct {
	Status       string `json:"status"` // cancelled
	RefundIssued bool   `json:"refund_issued,omitempty"`
	Signature    string `json:"signature,omitempty"`
}

// TaskCommitRequest commits several reserved proposals as one logical task.
// Legs are committed in order; on failure the already-committed legs are
// rolled back in reverse.
type TaskCommitRequest struct {
	Legs           []TaskLeg `json:"legs" binding:"required"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

type TaskLeg struct {
	ProposalID   string `json:"proposal_id" binding:"required"`
	PaymentProof string `json:"payment_proof" binding:"required"`
}

type TaskLegResult struct {
	ProposalID   string `json:"proposal_id"`
	Status       string `json:"status"` // committed | failed | rolled_back | rollback_failed
	CommitmentID string `json:"commitment_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

type TaskCommitResponse struct {
	Status    string          `json:"status"` // committed | rolled_back | partial_rollback_failure
	Legs      []TaskLegResult `json:"legs"`
	Signature string          `json:"signature,omitempty"`
}

// AttestationSubmit is the wire form of a signed post-interaction attestation.
type AttestationSubmit struct {
	SubjectDID    string             `json:"subject_did" binding:"required"`
	AttesterDID   string             `json:"attester_did" binding:"required"`
	InteractionID string             `json:"interaction_id" binding:"required"`
	Metrics       AttestationMetrics `json:"metrics" binding:"required"`
	Timestamp     time.Time          `json:"timestamp"`
	Signature     string             `json:"signature" binding:"required"`
}

type AttestationMetrics struct {
	Success      bool    `json:"success"`
	LatencyMs    int     `json:"latency_ms"`
	QualityScore float64 `json:"quality_score"` // 0..5
}
