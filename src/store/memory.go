package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/poros-protocol/poros-core/src/protocol"
	"github.com/poros-protocol/poros-core/src/types"
)

// Memory is an in-process Store with the same semantics as the gorm store,
// including optimistic version checks. Used by tests and single-node dev runs.
type Memory struct {
	mu            sync.RWMutex
	agents        map[string]types.Agent
	proposals     map[string]types.Proposal
	commitments   map[string]types.Commitment
	byProposal    map[string]string // proposal id -> commitment id
	cancellations map[string][]types.Cancellation
	attestations  map[string]types.Attestation // attester|interaction
	audit         []types.AuditEntry
	idempotency   map[string]types.IdempotencyRecord
}

func NewMemory() *Memory {
	return &Memory{
		agents:        make(map[string]types.Agent),
		proposals:     make(map[string]types.Proposal),
		commitments:   make(map[string]types.Commitment),
		byProposal:    make(map[string]string),
		cancellations: make(map[string][]types.Cancellation),
		attestations:  make(map[string]types.Attestation),
		idempotency:   make(map[string]types.IdempotencyRecord),
	}
}

func (m *Memory) Agents() Agents               { return (*memAgents)(m) }
func (m *Memory) Proposals() Proposals         { return (*memProposals)(m) }
func (m *Memory) Commitments() Commitments     { return (*memCommitments)(m) }
func (m *Memory) Cancellations() Cancellations { return (*memCancellations)(m) }
func (m *Memory) Attestations() Attestations   { return (*memAttestations)(m) }
func (m *Memory) Audit() Audit                 { return (*memAudit)(m) }
func (m *Memory) Idempotency() Idempotency     { return (*memIdempotency)(m) }

type memAgents Memory

func (s *memAgents) Get(_ context.Context, did string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[did]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	return &a, nil
}

func (s *memAgents) Upsert(_ context.Context, a *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.DID] = *a
	return nil
}

func (s *memAgents) ListActive(_ context.Context) ([]types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if a.IsActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out, nil
}

func (s *memAgents) Deactivate(_ context.Context, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[did]
	if !ok {
		return protocol.ErrNotFound
	}
	a.IsActive = false
	a.UpdatedAt = time.Now().UTC()
	s.agents[did] = a
	return nil
}

func (s *memAgents) SetRepScore(_ context.Context, did string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[did]
	if !ok {
		return protocol.ErrNotFound
	}
	a.RepScore = score
	s.agents[did] = a
	return nil
}

type memProposals Memory

func (s *memProposals) Create(_ context.Context, p *types.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.LiveKey != nil {
		// mirrors the unique live_key index of the gorm store
		for _, q := range s.proposals {
			if q.LiveKey != nil && *q.LiveKey == *p.LiveKey {
				return protocol.ErrInvalidState
			}
		}
	}
	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	s.proposals[p.ID] = *p
	return nil
}

func (s *memProposals) Get(_ context.Context, id string) (*types.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	return &p, nil
}

func (s *memProposals) Update(_ context.Context, p *types.Proposal, fromVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.proposals[p.ID]
	if !ok {
		return protocol.ErrNotFound
	}
	if cur.Version != fromVersion {
		return protocol.ErrVersionConflict
	}
	if types.TerminalState(p.State) {
		p.LiveKey = nil
	}
	p.Version = fromVersion + 1
	p.UpdatedAt = time.Now().UTC()
	s.proposals[p.ID] = *p
	return nil
}

func (s *memProposals) LiveByReservation(_ context.Context, agentDID, key string) (*types.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.proposals {
		if p.AgentDID == agentDID && p.ReservationKey == key && !types.TerminalState(p.State) {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memProposals) ListExpired(_ context.Context, now time.Time) ([]types.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Proposal
	for _, p := range s.proposals {
		if (p.State == types.StateReserved || p.State == types.StateProposed) && p.ExpiresAt != nil && p.ExpiresAt.Before(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memCommitments Memory

func (s *memCommitments) Create(_ context.Context, c *types.Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byProposal[c.ProposalID]; dup {
		return protocol.ErrInvalidState
	}
	s.commitments[c.ID] = *c
	s.byProposal[c.ProposalID] = c.ID
	return nil
}

func (s *memCommitments) Get(_ context.Context, id string) (*types.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commitments[id]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	return &c, nil
}

func (s *memCommitments) GetByProposal(_ context.Context, proposalID string) (*types.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byProposal[proposalID]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	c := s.commitments[id]
	return &c, nil
}

type memCancellations Memory

func (s *memCancellations) Create(_ context.Context, c *types.Cancellation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancellations[c.ProposalID] = append(s.cancellations[c.ProposalID], *c)
	return nil
}

func (s *memCancellations) GetByProposal(_ context.Context, proposalID string) (*types.Cancellation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.cancellations[proposalID]
	if len(recs) == 0 {
		return nil, protocol.ErrNotFound
	}
	c := recs[0]
	return &c, nil
}

type memAttestations Memory

func attKey(attester, interaction string) string { return attester + "|" + interaction }

func (s *memAttestations) Create(_ context.Context, a *types.Attestation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := attKey(a.AttesterDID, a.InteractionID)
	if _, dup := s.attestations[k]; dup {
		return protocol.ErrAlreadyRecorded
	}
	a.CreatedAt = time.Now().UTC()
	s.attestations[k] = *a
	return nil
}

func (s *memAttestations) Get(_ context.Context, attesterDID, interactionID string) (*types.Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attestations[attKey(attesterDID, interactionID)]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	return &a, nil
}

func (s *memAttestations) ListBySubject(_ context.Context, did string, since time.Time) ([]types.Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Attestation
	for _, a := range s.attestations {
		if a.SubjectDID == did && !a.Timestamp.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

type memAudit Memory

func (s *memAudit) Append(_ context.Context, e *types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uint64(len(s.audit) + 1)
	e.CreatedAt = time.Now().UTC()
	s.audit = append(s.audit, *e)
	return nil
}

// Entries returns a copy of the audit log for assertions in tests.
func (m *Memory) Entries() []types.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

type memIdempotency Memory

func (s *memIdempotency) Get(_ context.Context, token string) (*types.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[token]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	return &rec, nil
}

func (s *memIdempotency) Put(_ context.Context, rec *types.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.CreatedAt = time.Now().UTC()
	s.idempotency[rec.Token] = *rec
	return nil
}
