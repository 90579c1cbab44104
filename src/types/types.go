package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Proposal states
const (
	StateProposed  = "PROPOSED"
	StateReserved  = "RESERVED"
	StateCommitted = "COMMITTED"
	StateRejected  = "REJECTED"
	StateExpired   = "EXPIRED"
	StateCancelled = "CANCELLED"
)

// TerminalState reports whether no further transitions are accepted.
func TerminalState(s string) bool {
	switch s {
	case StateCommitted, StateRejected, StateExpired, StateCancelled:
		return true
	}
	return false
}

// Pricing models
const (
	PricingFree         = "free"
	PricingPerQuery     = "per_query"
	PricingSubscription = "subscription"
)

// Capability describes one thing an agent can do and which verbs it accepts
// for it. Exclusive actions hold at most one live reservation per key.
type Capability struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Verbs        []string       `json:"verbs,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Exclusive    bool           `json:"exclusive,omitempty"`
}

type PricingTier struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
	Period string          `json:"period,omitempty"`
}

type Pricing struct {
	Model    string           `json:"model"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Currency string           `json:"currency,omitempty"`
	Tiers    []PricingTier    `json:"tiers,omitempty"`
}

// AgentCard is the signed registration document. The signature covers the
// canonical JSON of every other field.
type AgentCard struct {
	DID          string            `json:"did"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Endpoint     string            `json:"endpoint"`
	Capabilities []Capability      `json:"capabilities"`
	Skills       []string          `json:"skills,omitempty"`
	Pricing      Pricing           `json:"pricing"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Version      int               `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	Signature    string            `json:"signature,omitempty"`
}

// Capability returns the named capability, or nil.
func (c *AgentCard) Capability(name string) *Capability {
	for i := range c.Capabilities {
		if c.Capabilities[i].Name == name {
			return &c.Capabilities[i]
		}
	}
	return nil
}

// Tier reads the monetization tier from card metadata, defaulting to free.
func (c *AgentCard) Tier() string {
	if t, ok := c.Metadata["tier"]; ok && t != "" {
		return t
	}
	return PricingFree
}

// Agent is the stored registration record.
type Agent struct {
	DID         string  `gorm:"primaryKey;size:191"`
	OwnerDID    string  `gorm:"size:191;index"`
	Name        string  `gorm:"size:128;index"`
	Description string  `gorm:"type:text"`
	Endpoint    string  `gorm:"size:256;not null"`
	CardJSON    []byte  `gorm:"type:json"`
	SkillsText  string  `gorm:"type:text"` // comma-joined tags, for inspection
	IsActive    bool    `gorm:"default:true;index"`
	Version     int     `gorm:"default:1"`
	RepScore    float64 `gorm:"default:0.5"` // last computed reputation, read as attester weight
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Card decodes the stored AgentCard.
func (a *Agent) Card() (AgentCard, error) {
	var card AgentCard
	err := json.Unmarshal(a.CardJSON, &card)
	return card, err
}

// Proposal is an in-flight transaction. State is written only by the
// transaction state machine, under an optimistic version check.
type Proposal struct {
	ID              string `gorm:"primaryKey;size:64"`
	AgentDID        string `gorm:"size:191;index;not null"`
	ClientRef       string `gorm:"size:191;index"`
	Action          string `gorm:"size:128;not null"`
	ParamsJSON      []byte `gorm:"type:json"`
	MaxPrice        string `gorm:"size:64"`
	State           string `gorm:"size:16;index;not null"`
	ReservationJSON []byte `gorm:"type:json"`
	ReservationKey  string `gorm:"size:191;index"`
	// LiveKey is "<agent_did>|<reservation_key>" while the proposal holds an
	// exclusive resource and NULL once it reaches a terminal state. The unique
	// index rejects a second live hold even when instances share the store.
	LiveKey   *string `gorm:"size:191;uniqueIndex"`
	ExpiresAt *time.Time
	Version   int64 `gorm:"default:1"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Commitment is the immutable terminal success record of a proposal.
type Commitment struct {
	ID               string `gorm:"primaryKey;size:64"`
	ProposalID       string `gorm:"size:64;uniqueIndex;not null"`
	PaymentProof     string `gorm:"type:text"`
	ConfirmationJSON []byte `gorm:"type:json"`
	ConfirmedAt      time.Time
}

// Cancellation is a terminal record added alongside, never instead of, any
// existing Commitment.
type Cancellation struct {
	ID           string `gorm:"primaryKey;size:64"`
	ProposalID   string `gorm:"size:64;index;not null"`
	CommitmentID string `gorm:"size:64;index"`
	Reason       string `gorm:"size:256"`
	RefundIssued bool
	CancelledAt  time.Time
}

// Attestation is a signed post-interaction rating. At most one per
// (attester_did, interaction_id).
type Attestation struct {
	ID            string `gorm:"primaryKey;size:64"`
	SubjectDID    string `gorm:"size:191;index;not null"`
	AttesterDID   string `gorm:"size:191;uniqueIndex:idx_attester_interaction;not null"`
	InteractionID string `gorm:"size:64;uniqueIndex:idx_attester_interaction;not null"`
	Success       bool
	LatencyMs     int
	QualityScore  float64 // 0..5
	Timestamp     time.Time
	Signature     string `gorm:"type:text"`
	CreatedAt     time.Time
}

// AuditEntry is append-only; registry history survives card updates.
type AuditEntry struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ActorDID    string `gorm:"size:191;index"`
	Action      string `gorm:"size:32;not null"` // register | update | deactivate
	SubjectDID  string `gorm:"size:191;index"`
	PayloadJSON []byte `gorm:"type:json"`
	CreatedAt   time.Time
}

// IdempotencyRecord stores the first response for a verb call so a retried
// call with the same token replays identical bytes.
type IdempotencyRecord struct {
	Token        string `gorm:"primaryKey;size:128"`
	Verb         string `gorm:"size:16;not null"`
	ProposalID   string `gorm:"size:64;index"`
	RequestHash  string `gorm:"size:64;not null"`
	ResponseJSON []byte `gorm:"type:json"`
	CreatedAt    time.Time
}
