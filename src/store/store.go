package store

import (
	"context"
	"time"

	"github.com/poros-protocol/poros-core/src/types"
)

// Store groups the persistence surfaces of the engine. Components receive an
// explicit Store handle at construction; there are no package-level
// singletons, so several orchestrator instances can share one backing store.
type Store interface {
	Agents() Agents
	Proposals() Proposals
	Commitments() Commitments
	Cancellations() Cancellations
	Attestations() Attestations
	Audit() Audit
	Idempotency() Idempotency
}

type Agents interface {
	Get(ctx context.Context, did string) (*types.Agent, error)
	// Upsert creates or replaces a card record. Writes to distinct DIDs never
	// serialize against each other.
	Upsert(ctx context.Context, a *types.Agent) error
	ListActive(ctx context.Context) ([]types.Agent, error)
	Deactivate(ctx context.Context, did string) error
	// SetRepScore persists the last computed reputation for attester weighting.
	SetRepScore(ctx context.Context, did string, score float64) error
}

type Proposals interface {
	Create(ctx context.Context, p *types.Proposal) error
	Get(ctx context.Context, id string) (*types.Proposal, error)
	// Update writes p only if the stored version still equals fromVersion,
	// bumping the version; protocol.ErrVersionConflict otherwise.
	Update(ctx context.Context, p *types.Proposal, fromVersion int64) error
	// LiveByReservation returns a non-terminal proposal holding the key, or nil.
	LiveByReservation(ctx context.Context, agentDID, key string) (*types.Proposal, error)
	// ListExpired returns PROPOSED or RESERVED proposals whose expires_at is
	// before now.
	ListExpired(ctx context.Context, now time.Time) ([]types.Proposal, error)
}

type Commitments interface {
	Create(ctx context.Context, c *types.Commitment) error
	Get(ctx context.Context, id string) (*types.Commitment, error)
	GetByProposal(ctx context.Context, proposalID string) (*types.Commitment, error)
}

type Cancellations interface {
	Create(ctx context.Context, c *types.Cancellation) error
	GetByProposal(ctx context.Context, proposalID string) (*types.Cancellation, error)
}

type Attestations interface {
	// Create fails with protocol.ErrAlreadyRecorded on a duplicate
	// (attester_did, interaction_id) pair.
	Create(ctx context.Context, a *types.Attestation) error
	Get(ctx context.Context, attesterDID, interactionID string) (*types.Attestation, error)
	// ListBySubject returns attestations about did newer than since,
	// newest first.
	ListBySubject(ctx context.Context, did string, since time.Time) ([]types.Attestation, error)
}

type Audit interface {
	Append(ctx context.Context, e *types.AuditEntry) error
}

type Idempotency interface {
	Get(ctx context.Context, token string) (*types.IdempotencyRecord, error)
	Put(ctx context.Context, rec *types.IdempotencyRecord) error
}
