package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/poros-protocol/poros-core/src/identity"
	"github.com/poros-protocol/poros-core/src/protocol"
	"github.com/poros-protocol/poros-core/src/store"
	"github.com/poros-protocol/poros-core/src/types"
)

// Registry owns the AgentCard lifecycle. A card is accepted only when its
// signature verifies against the public key embedded in its own DID; it is
// rejected otherwise, never silently corrected.
type Registry struct {
	store    store.Store
	sanitize *bluemonday.Policy
	locks    sync.Map // did -> *sync.Mutex; serializes writes per DID only
}

func New(st store.Store) *Registry {
	return &Registry{store: st, sanitize: bluemonday.StrictPolicy()}
}

func (r *Registry) lock(did string) func() {
	muAny, _ := r.locks.LoadOrStore(did, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Register accepts a signed AgentCard, creating or replacing the record for
// its DID. Re-registration under the same DID is a versioned update when the
// same account resubmits a card signed by the same key.
func (r *Registry) Register(ctx context.Context, card types.AgentCard, ownerDID string) (*types.Agent, error) {
	if err := validateCard(&card); err != nil {
		return nil, err
	}
	if !identity.Verify(card, card.Signature, card.DID) {
		return nil, fmt.Errorf("card %s: %w", card.DID, protocol.ErrInvalidSignature)
	}

	card.Name = r.sanitize.Sanitize(card.Name)
	card.Description = r.sanitize.Sanitize(card.Description)

	unlock := r.lock(card.DID)
	defer unlock()

	action := "register"
	version := 1
	existing, err := r.store.Agents().Get(ctx, card.DID)
	if err == nil {
		if existing.IsActive && existing.OwnerDID != ownerDID {
			return nil, protocol.ErrDuplicateDID
		}
		action = "update"
		version = existing.Version + 1
	}

	cardJSON, err := json.Marshal(card)
	if err != nil {
		return nil, fmt.Errorf("marshal card: %w", err)
	}

	now := time.Now().UTC()
	agent := &types.Agent{
		DID:         card.DID,
		OwnerDID:    ownerDID,
		Name:        card.Name,
		Description: card.Description,
		Endpoint:    card.Endpoint,
		CardJSON:    cardJSON,
		SkillsText:  strings.Join(card.Skills, ","),
		IsActive:    true,
		Version:     version,
		RepScore:    0.5,
		UpdatedAt:   now,
	}
	if existing != nil {
		agent.CreatedAt = existing.CreatedAt
		agent.RepScore = existing.RepScore
	} else {
		agent.CreatedAt = now
	}
	if err := r.store.Agents().Upsert(ctx, agent); err != nil {
		return nil, err
	}
	r.appendAudit(ctx, ownerDID, action, card.DID, cardJSON)
	return agent, nil
}

// Deactivate soft-deletes a card; attestation history is preserved.
func (r *Registry) Deactivate(ctx context.Context, did, actorDID string) error {
	agent, err := r.store.Agents().Get(ctx, did)
	if err != nil {
		return err
	}
	if actorDID != agent.OwnerDID && actorDID != did {
		return protocol.ErrNotOwner
	}
	unlock := r.lock(did)
	defer unlock()
	if err := r.store.Agents().Deactivate(ctx, did); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"did": did, "actor": actorDID})
	r.appendAudit(ctx, actorDID, "deactivate", did, payload)
	return nil
}

func (r *Registry) Get(ctx context.Context, did string) (*types.Agent, error) {
	return r.store.Agents().Get(ctx, did)
}

// FindByCapability returns active agents whose capability or skill set
// intersects the query. Unordered; ranking is the discovery engine's job.
func (r *Registry) FindByCapability(ctx context.Context, capability string, tags []string) ([]types.Agent, error) {
	agents, err := r.store.Agents().ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Agent
	for _, a := range agents {
		card, err := a.Card()
		if err != nil {
			log.Printf("registry: corrupt card for %s: %v", a.DID, err)
			continue
		}
		if !cardMatches(&card, capability, tags) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func cardMatches(card *types.AgentCard, capability string, tags []string) bool {
	matched := capability == ""
	if card.Capability(capability) != nil {
		matched = true
	}
	for _, s := range card.Skills {
		if s == capability {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if len(tags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(card.Skills))
	for _, s := range card.Skills {
		have[s] = struct{}{}
	}
	for _, t := range tags {
		if _, ok := have[t]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) appendAudit(ctx context.Context, actor, action, subject string, payload []byte) {
	err := r.store.Audit().Append(ctx, &types.AuditEntry{
		ActorDID:    actor,
		Action:      action,
		SubjectDID:  subject,
		PayloadJSON: payload,
	})
	if err != nil {
		log.Printf("registry: audit append %s %s: %v", action, subject, err)
	}
}

func validateCard(card *types.AgentCard) error {
	if _, _, err := identity.ParseDID(card.DID); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrSchemaInvalid, err)
	}
	if strings.TrimSpace(card.Name) == "" {
		return fmt.Errorf("%w: name is required", protocol.ErrSchemaInvalid)
	}
	u, err := url.Parse(card.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: endpoint must be an http(s) URL", protocol.ErrSchemaInvalid)
	}
	if len(card.Capabilities) == 0 {
		return fmt.Errorf("%w: at least one capability is required", protocol.ErrSchemaInvalid)
	}
	for _, c := range card.Capabilities {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: capability name is required", protocol.ErrSchemaInvalid)
		}
	}
	switch card.Pricing.Model {
	case types.PricingFree:
	case types.PricingPerQuery:
		if card.Pricing.Amount == nil || card.Pricing.Amount.IsNegative() {
			return fmt.Errorf("%w: per_query pricing requires a non-negative amount", protocol.ErrSchemaInvalid)
		}
	case types.PricingSubscription:
		if len(card.Pricing.Tiers) == 0 {
			return fmt.Errorf("%w: subscription pricing requires tiers", protocol.ErrSchemaInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown pricing model %q", protocol.ErrSchemaInvalid, card.Pricing.Model)
	}
	if card.Signature == "" {
		return fmt.Errorf("%w: signature is required", protocol.ErrSchemaInvalid)
	}
	return nil
}
