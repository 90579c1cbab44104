package ranking

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/poros-protocol/poros-core/src/orchestrator/config"
	"github.com/poros-protocol/poros-core/src/protocol"
	"github.com/poros-protocol/poros-core/src/registry"
	"github.com/poros-protocol/poros-core/src/reputation"
	"github.com/poros-protocol/poros-core/src/types"
)

// Similarity scores a free-text query against a capability description,
// returning a value in [0,1]. Discovery works without one configured; the
// semantic sub-score is then zero, never an error.
type Similarity interface {
	Score(query, name, description string) float64
}

// KeywordSimilarity is the default lexical fallback: word-overlap ratio with
// a bonus when a query word appears in the agent name.
type KeywordSimilarity struct{}

func (KeywordSimilarity) Score(query, name, description string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	descWords := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(description)) {
		descWords[w] = struct{}{}
	}
	matches := 0
	for _, w := range words {
		if _, ok := descWords[w]; ok {
			matches++
		}
	}
	score := float64(matches) / float64(len(words)) * 0.7

	nameLower := strings.ToLower(name)
	for _, w := range words {
		if strings.Contains(nameLower, w) {
			score += 0.3
			break
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// tierBonus is the published monetization tier table, in rank points.
var tierBonus = map[string]float64{
	"enterprise": 100,
	"premium":    70,
	"pro":        40,
	"free":       0,
}

// Engine answers capability searches over a snapshot of registry and
// reputation state. For a fixed snapshot its output is deterministic; ties
// break by DID lexical order.
type Engine struct {
	registry *registry.Registry
	ledger   *reputation.Ledger
	weights  config.RankWeights
	sim      Similarity
	halfLife time.Duration
	now      func() time.Time
}

// New rejects weight configurations that do not sum to 1.0. The caller
// treats that as startup-fatal. A non-positive freshnessHalfLife falls back
// to one week.
func New(reg *registry.Registry, ledger *reputation.Ledger, weights config.RankWeights, sim Similarity, freshnessHalfLife time.Duration) (*Engine, error) {
	if !weights.Validate() {
		return nil, fmt.Errorf("ranking weights must sum to 1.0, got %.4f", weights.Sum())
	}
	if freshnessHalfLife <= 0 {
		freshnessHalfLife = 7 * 24 * time.Hour
	}
	return &Engine{registry: reg, ledger: ledger, weights: weights, sim: sim, halfLife: freshnessHalfLife, now: time.Now}, nil
}

// Candidate is one ranked discovery result.
type Candidate struct {
	Agent      types.Agent
	Card       types.AgentCard
	Reputation float64
	Score      float64
}

// Discover pre-filters active agents to those matching the capability and
// every supplied hard filter, then orders them by composite score. A
// candidate failing a filter is never returned, whatever its score.
func (e *Engine) Discover(ctx context.Context, capability string, filters *protocol.DiscoverFilters, limit int) ([]Candidate, error) {
	if filters == nil {
		filters = &protocol.DiscoverFilters{}
	}
	agents, err := e.registry.FindByCapability(ctx, capability, filters.Tags)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		card, err := a.Card()
		if err != nil {
			log.Printf("ranking: corrupt card for %s: %v", a.DID, err)
			continue
		}
		if !passesFilters(&card, filters) {
			continue
		}
		rep, err := e.ledger.Score(ctx, a.DID)
		if err != nil {
			return nil, err
		}
		if filters.MinReputation != nil && rep < *filters.MinReputation {
			continue
		}
		metrics, err := e.ledger.Metrics(ctx, a.DID)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{
			Agent:      a,
			Card:       card,
			Reputation: rep,
			Score:      e.composite(&card, filters, metrics),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Agent.DID < out[j].Agent.DID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func passesFilters(card *types.AgentCard, f *protocol.DiscoverFilters) bool {
	if f.MaxPrice != nil && EffectivePrice(&card.Pricing).GreaterThan(*f.MaxPrice) {
		return false
	}
	if f.Location != "" {
		loc := strings.ToLower(card.Metadata["location"])
		if !strings.Contains(loc, strings.ToLower(f.Location)) {
			return false
		}
	}
	return true
}

// EffectivePrice is the amount used for max_price filtering: zero for free
// agents, the per-query amount, or the cheapest subscription tier.
func EffectivePrice(p *types.Pricing) decimal.Decimal {
	switch p.Model {
	case types.PricingPerQuery:
		if p.Amount != nil {
			return *p.Amount
		}
	case types.PricingSubscription:
		var cheapest decimal.Decimal
		for i, t := range p.Tiers {
			if i == 0 || t.Amount.LessThan(cheapest) {
				cheapest = t.Amount
			}
		}
		return cheapest
	}
	return decimal.Zero
}

// composite combines the sub-scores, each normalized to [0,100].
func (e *Engine) composite(card *types.AgentCard, f *protocol.DiscoverFilters, m reputation.Metrics) float64 {
	return skillMatchScore(card.Skills, f.Tags)*e.weights.SkillMatch +
		performanceScore(m)*e.weights.Performance +
		e.semanticScore(card, f.Query)*e.weights.Semantic +
		monetizationScore(card.Tier())*e.weights.Monetization +
		e.freshnessScore(m.LastSuccessAt)*e.weights.Freshness
}

// skillMatchScore is Jaccard similarity of requested vs published tags,
// neutral at 50 when the query carries no tags.
func skillMatchScore(published, requested []string) float64 {
	if len(requested) == 0 {
		return 50
	}
	have := map[string]struct{}{}
	for _, s := range published {
		have[s] = struct{}{}
	}
	want := map[string]struct{}{}
	for _, s := range requested {
		want[s] = struct{}{}
	}
	inter := 0
	for s := range want {
		if _, ok := have[s]; ok {
			inter++
		}
	}
	union := len(have) + len(want) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union) * 100
}

// performanceScore uses raw attestation metrics, not the composite
// reputation, so reputation is not double-counted: success rate up to 60
// points, inverse latency up to 30 (0ms=30, 5000ms=0), and a logarithmic
// call-volume bonus up to 10.
func performanceScore(m reputation.Metrics) float64 {
	score := m.SuccessRate * 60
	if m.AvgLatencyMs > 0 {
		latency := 30 - (m.AvgLatencyMs/5000)*30
		if latency > 0 {
			score += latency
		}
	} else {
		score += 30
	}
	if m.TotalCalls > 0 {
		pop := math.Log10(float64(m.TotalCalls)+1) * 2
		if pop > 10 {
			pop = 10
		}
		score += pop
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (e *Engine) semanticScore(card *types.AgentCard, query string) float64 {
	if e.sim == nil || query == "" {
		return 0
	}
	s := e.sim.Score(query, card.Name, card.Description)
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return s * 100
}

func monetizationScore(tier string) float64 {
	return tierBonus[tier]
}

// freshnessScore decays with time since the last successful interaction;
// agents with no history sit at the neutral midpoint.
func (e *Engine) freshnessScore(lastSuccess time.Time) float64 {
	if lastSuccess.IsZero() {
		return 50
	}
	age := e.now().UTC().Sub(lastSuccess)
	if age < 0 {
		age = 0
	}
	return 100 * math.Exp(-math.Ln2*age.Seconds()/e.halfLife.Seconds())
}
