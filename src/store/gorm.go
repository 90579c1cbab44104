package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/poros-protocol/poros-core/src/protocol"
	"github.com/poros-protocol/poros-core/src/types"
)

// Gorm is the MySQL-backed Store.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm { return &Gorm{db: db} }

func (g *Gorm) Agents() Agents               { return gormAgents{g.db} }
func (g *Gorm) Proposals() Proposals         { return gormProposals{g.db} }
func (g *Gorm) Commitments() Commitments     { return gormCommitments{g.db} }
func (g *Gorm) Cancellations() Cancellations { return gormCancellations{g.db} }
func (g *Gorm) Attestations() Attestations   { return gormAttestations{g.db} }
func (g *Gorm) Audit() Audit                 { return gormAudit{g.db} }
func (g *Gorm) Idempotency() Idempotency     { return gormIdempotency{g.db} }

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.ErrNotFound
	}
	return err
}

type gormAgents struct{ db *gorm.DB }

func (s gormAgents) Get(ctx context.Context, did string) (*types.Agent, error) {
	var a types.Agent
	if err := s.db.WithContext(ctx).First(&a, "did = ?", did).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &a, nil
}

func (s gormAgents) Upsert(ctx context.Context, a *types.Agent) error {
	// Save by primary key; row lock scope is the single DID, so writes to
	// different DIDs never block each other.
	return s.db.WithContext(ctx).Save(a).Error
}

func (s gormAgents) ListActive(ctx context.Context) ([]types.Agent, error) {
	var out []types.Agent
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("did asc").
		Find(&out).Error
	return out, err
}

func (s gormAgents) Deactivate(ctx context.Context, did string) error {
	res := s.db.WithContext(ctx).Model(&types.Agent{}).
		Where("did = ?", did).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return protocol.ErrNotFound
	}
	return nil
}

func (s gormAgents) SetRepScore(ctx context.Context, did string, score float64) error {
	res := s.db.WithContext(ctx).Model(&types.Agent{}).
		Where("did = ?", did).
		Update("rep_score", score)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return protocol.ErrNotFound
	}
	return nil
}

type gormProposals struct{ db *gorm.DB }

func (s gormProposals) Create(ctx context.Context, p *types.Proposal) error {
	p.Version = 1
	err := s.db.WithContext(ctx).Create(p).Error
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate") {
		// another instance inserted a live hold for the same live_key first
		return protocol.ErrInvalidState
	}
	return err
}

func (s gormProposals) Get(ctx context.Context, id string) (*types.Proposal, error) {
	var p types.Proposal
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &p, nil
}

func (s gormProposals) Update(ctx context.Context, p *types.Proposal, fromVersion int64) error {
	if types.TerminalState(p.State) {
		p.LiveKey = nil
	}
	p.Version = fromVersion + 1
	res := s.db.WithContext(ctx).Model(&types.Proposal{}).
		Where("id = ? AND version = ?", p.ID, fromVersion).
		Updates(map[string]any{
			"state":            p.State,
			"reservation_json": p.ReservationJSON,
			"reservation_key":  p.ReservationKey,
			"live_key":         p.LiveKey,
			"expires_at":       p.ExpiresAt,
			"version":          p.Version,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// either the row vanished or someone else won the version race
		var cur types.Proposal
		if err := s.db.WithContext(ctx).First(&cur, "id = ?", p.ID).Error; err != nil {
			return mapNotFound(err)
		}
		return protocol.ErrVersionConflict
	}
	return nil
}

func (s gormProposals) LiveByReservation(ctx context.Context, agentDID, key string) (*types.Proposal, error) {
	var p types.Proposal
	err := s.db.WithContext(ctx).
		Where("agent_did = ? AND reservation_key = ? AND state IN ?",
			agentDID, key, []string{types.StateProposed, types.StateReserved}).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s gormProposals) ListExpired(ctx context.Context, now time.Time) ([]types.Proposal, error) {
	var out []types.Proposal
	err := s.db.WithContext(ctx).
		Where("state IN ? AND expires_at IS NOT NULL AND expires_at < ?",
			[]string{types.StateProposed, types.StateReserved}, now).
		Order("id asc").
		Find(&out).Error
	return out, err
}

type gormCommitments struct{ db *gorm.DB }

func (s gormCommitments) Create(ctx context.Context, c *types.Commitment) error {
	err := s.db.WithContext(ctx).Create(c).Error
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate") {
		return protocol.ErrInvalidState
	}
	return err
}

func (s gormCommitments) Get(ctx context.Context, id string) (*types.Commitment, error) {
	var c types.Commitment
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &c, nil
}

func (s gormCommitments) GetByProposal(ctx context.Context, proposalID string) (*types.Commitment, error) {
	var c types.Commitment
	if err := s.db.WithContext(ctx).First(&c, "proposal_id = ?", proposalID).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &c, nil
}

type gormCancellations struct{ db *gorm.DB }

func (s gormCancellations) Create(ctx context.Context, c *types.Cancellation) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s gormCancellations) GetByProposal(ctx context.Context, proposalID string) (*types.Cancellation, error) {
	var c types.Cancellation
	if err := s.db.WithContext(ctx).First(&c, "proposal_id = ?", proposalID).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &c, nil
}

type gormAttestations struct{ db *gorm.DB }

func (s gormAttestations) Create(ctx context.Context, a *types.Attestation) error {
	err := s.db.WithContext(ctx).Create(a).Error
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate") {
		return protocol.ErrAlreadyRecorded
	}
	return err
}

func (s gormAttestations) Get(ctx context.Context, attesterDID, interactionID string) (*types.Attestation, error) {
	var a types.Attestation
	err := s.db.WithContext(ctx).
		First(&a, "attester_did = ? AND interaction_id = ?", attesterDID, interactionID).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &a, nil
}

func (s gormAttestations) ListBySubject(ctx context.Context, did string, since time.Time) ([]types.Attestation, error) {
	var out []types.Attestation
	err := s.db.WithContext(ctx).
		Where("subject_did = ? AND timestamp >= ?", did, since).
		Order("timestamp desc").
		Find(&out).Error
	return out, err
}

type gormAudit struct{ db *gorm.DB }

func (s gormAudit) Append(ctx context.Context, e *types.AuditEntry) error {
	return s.db.WithContext(ctx).Create(e).Error
}

type gormIdempotency struct{ db *gorm.DB }

func (s gormIdempotency) Get(ctx context.Context, token string) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	if err := s.db.WithContext(ctx).First(&rec, "token = ?", token).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &rec, nil
}

func (s gormIdempotency) Put(ctx context.Context, rec *types.IdempotencyRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}
