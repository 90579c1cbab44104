package reputation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/poros-protocol/poros-core/src/identity"
	"github.com/poros-protocol/poros-core/src/protocol"
	"github.com/poros-protocol/poros-core/src/store"
	"github.com/poros-protocol/poros-core/src/types"
)

// NeutralPrior is the score of an agent with no attestations. Cold-start
// agents stay discoverable instead of being penalized to invisibility.
const NeutralPrior = 0.5

// Cache is the advisory score cache. Nil is a valid cache.
type Cache interface {
	Get(ctx context.Context, did string) (float64, bool)
	Set(ctx context.Context, did string, score float64)
	Invalidate(ctx context.Context, did string)
}

type Config struct {
	HalfLife time.Duration // decay half-life for attestation age
	Window   time.Duration // attestations older than this are excluded entirely
	Floor    float64       // minimum attester weight
}

// Ledger owns attestation and derived-score lifecycle. Scores are a cache
// recomputed on read; the attestation write path never shares a lock with
// readers.
type Ledger struct {
	store store.Store
	cache Cache
	cfg   Config
	now   func() time.Time
}

func New(st store.Store, cache Cache, cfg Config) *Ledger {
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = 7 * 24 * time.Hour
	}
	if cfg.Window <= 0 {
		cfg.Window = 90 * 24 * time.Hour
	}
	if cfg.Floor <= 0 {
		cfg.Floor = 0.1
	}
	return &Ledger{store: st, cache: cache, cfg: cfg, now: time.Now}
}

// RecordAttestation accepts a signed attestation when its signature verifies,
// the attester took part in the interaction, and no different attestation
// exists for the same (attester, interaction) pair. Re-submitting the same
// payload is a no-op.
func (l *Ledger) RecordAttestation(ctx context.Context, sub protocol.AttestationSubmit) error {
	if sub.Metrics.QualityScore < 0 || sub.Metrics.QualityScore > 5 {
		return fmt.Errorf("%w: quality_score must be 0..5", protocol.ErrSchemaInvalid)
	}
	if !identity.Verify(sub, sub.Signature, sub.AttesterDID) {
		return fmt.Errorf("attestation by %s: %w", sub.AttesterDID, protocol.ErrInvalidSignature)
	}

	prop, err := l.store.Proposals().Get(ctx, sub.InteractionID)
	if err != nil {
		return fmt.Errorf("interaction %s: %w", sub.InteractionID, protocol.ErrNotParticipant)
	}
	if sub.AttesterDID != prop.AgentDID && sub.AttesterDID != prop.ClientRef {
		return fmt.Errorf("%s on %s: %w", sub.AttesterDID, sub.InteractionID, protocol.ErrNotParticipant)
	}

	if prev, err := l.store.Attestations().Get(ctx, sub.AttesterDID, sub.InteractionID); err == nil {
		if sameAttestation(prev, &sub) {
			return nil // idempotent re-submission
		}
		return protocol.ErrAlreadyRecorded
	}

	ts := sub.Timestamp
	if ts.IsZero() {
		ts = l.now().UTC()
	}
	att := &types.Attestation{
		ID:            uuid.NewString(),
		SubjectDID:    sub.SubjectDID,
		AttesterDID:   sub.AttesterDID,
		InteractionID: sub.InteractionID,
		Success:       sub.Metrics.Success,
		LatencyMs:     sub.Metrics.LatencyMs,
		QualityScore:  sub.Metrics.QualityScore,
		Timestamp:     ts,
		Signature:     sub.Signature,
	}
	if err := l.store.Attestations().Create(ctx, att); err != nil {
		return err
	}
	if l.cache != nil {
		l.cache.Invalidate(ctx, sub.SubjectDID)
	}
	return nil
}

func sameAttestation(prev *types.Attestation, sub *protocol.AttestationSubmit) bool {
	return prev.SubjectDID == sub.SubjectDID &&
		prev.Success == sub.Metrics.Success &&
		prev.LatencyMs == sub.Metrics.LatencyMs &&
		prev.QualityScore == sub.Metrics.QualityScore &&
		prev.Signature == sub.Signature
}

// Score returns the agent's reputation in [0,1]. Each attestation contributes
// quality/5 weighted by the attester's last-known score (one pass, no
// fixed-point recursion) and decayed by age.
func (l *Ledger) Score(ctx context.Context, did string) (float64, error) {
	if l.cache != nil {
		if s, ok := l.cache.Get(ctx, did); ok {
			return s, nil
		}
	}
	score, err := l.compute(ctx, did)
	if err != nil {
		return 0, err
	}
	if err := l.store.Agents().SetRepScore(ctx, did, score); err != nil && !errors.Is(err, protocol.ErrNotFound) {
		log.Printf("reputation: persist score %s: %v", did, err)
	}
	if l.cache != nil {
		l.cache.Set(ctx, did, score)
	}
	return score, nil
}

func (l *Ledger) compute(ctx context.Context, did string) (float64, error) {
	now := l.now().UTC()
	atts, err := l.store.Attestations().ListBySubject(ctx, did, now.Add(-l.cfg.Window))
	if err != nil {
		return 0, err
	}
	if len(atts) == 0 {
		return NeutralPrior, nil
	}
	var num, den float64
	for _, a := range atts {
		age := now.Sub(a.Timestamp)
		if age < 0 {
			age = 0
		}
		if age > l.cfg.Window {
			continue
		}
		d := decay(age, l.cfg.HalfLife)
		w := l.attesterWeight(ctx, a.AttesterDID) * d
		num += (a.QualityScore / 5.0) * w
		den += w
	}
	if den == 0 {
		return NeutralPrior, nil
	}
	return clamp01(num / den), nil
}

// attesterWeight reads the attester's last computed score; it never triggers
// a recursive recompute. The floor keeps one low-reputation attester from
// zeroing out another agent's score.
func (l *Ledger) attesterWeight(ctx context.Context, attesterDID string) float64 {
	w := NeutralPrior
	if agent, err := l.store.Agents().Get(ctx, attesterDID); err == nil {
		w = agent.RepScore
	}
	if w < l.cfg.Floor {
		w = l.cfg.Floor
	}
	if w > 1 {
		w = 1
	}
	return w
}

// Metrics are the raw per-agent signals the ranking engine consumes, kept
// separate from the composite score to avoid double-counting.
type Metrics struct {
	TotalCalls    int
	SuccessRate   float64
	AvgLatencyMs  float64
	LastSuccessAt time.Time
}

func (l *Ledger) Metrics(ctx context.Context, did string) (Metrics, error) {
	now := l.now().UTC()
	atts, err := l.store.Attestations().ListBySubject(ctx, did, now.Add(-l.cfg.Window))
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{SuccessRate: 1.0}
	if len(atts) == 0 {
		return m, nil
	}
	var successes, latencySum, latencyCount int
	for _, a := range atts {
		m.TotalCalls++
		if a.Success {
			successes++
			if a.Timestamp.After(m.LastSuccessAt) {
				m.LastSuccessAt = a.Timestamp
			}
		}
		if a.LatencyMs > 0 {
			latencySum += a.LatencyMs
			latencyCount++
		}
	}
	m.SuccessRate = float64(successes) / float64(m.TotalCalls)
	if latencyCount > 0 {
		m.AvgLatencyMs = float64(latencySum) / float64(latencyCount)
	}
	return m, nil
}

func decay(age, halfLife time.Duration) float64 {
	return math.Exp(-math.Ln2 * age.Seconds() / halfLife.Seconds())
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
