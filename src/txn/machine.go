package txn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poros-protocol/poros-core/src/identity"
	"github.com/poros-protocol/poros-core/src/protocol"
	"github.com/poros-protocol/poros-core/src/store"
	"github.com/poros-protocol/poros-core/src/types"
)

// AgentCaller is the outbound signing HTTP client.
type AgentCaller interface {
	Call(ctx context.Context, endpoint, path string, payload any, expectDID string, out any) error
	CallWithRetry(ctx context.Context, attempts int, endpoint, path string, payload any, expectDID string, out any) error
}

type Timeouts struct {
	Query   time.Duration
	Propose time.Duration
	Commit  time.Duration
	Cancel  time.Duration
}

type Options struct {
	ReserveTTL   time.Duration
	Timeouts     Timeouts
	QueryRetries int
}

// Machine drives the verb state machine and is the only writer of proposal
// state. All state writes go through an optimistic version check so a racing
// COMMIT and the expiry sweep cannot both win.
type Machine struct {
	store  store.Store
	caller AgentCaller
	opts   Options
	now    func() time.Time
	locks  sync.Map // agent_did|reservation_key -> *sync.Mutex
}

func New(st store.Store, caller AgentCaller, opts Options) *Machine {
	if opts.ReserveTTL <= 0 {
		opts.ReserveTTL = 15 * time.Minute
	}
	if opts.Timeouts.Query <= 0 {
		opts.Timeouts.Query = 10 * time.Second
	}
	if opts.Timeouts.Propose <= 0 {
		opts.Timeouts.Propose = 20 * time.Second
	}
	if opts.Timeouts.Commit <= 0 {
		opts.Timeouts.Commit = 30 * time.Second
	}
	if opts.Timeouts.Cancel <= 0 {
		opts.Timeouts.Cancel = 30 * time.Second
	}
	if opts.QueryRetries <= 0 {
		opts.QueryRetries = 3
	}
	return &Machine{store: st, caller: caller, opts: opts, now: time.Now}
}

// verbContext detaches from the caller's cancellation but keeps the verb
// timeout: if the caller gives up, the agent's authoritative reply is still
// applied to completion.
func verbContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// lockReservation serializes the live-hold check against the insert for one
// (agent, resource) pair within this process. The unique live_key column is
// the backstop when several instances share one store.
func (m *Machine) lockReservation(agentDID, key string) func() {
	muAny, _ := m.locks.LoadOrStore(agentDID+"|"+key, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Machine) activeAgent(ctx context.Context, did string) (*types.Agent, *types.AgentCard, error) {
	agent, err := m.store.Agents().Get(ctx, did)
	if err != nil {
		return nil, nil, fmt.Errorf("agent %s: %w", did, err)
	}
	if !agent.IsActive {
		return nil, nil, fmt.Errorf("agent %s: %w", did, protocol.ErrNotFound)
	}
	card, err := agent.Card()
	if err != nil {
		return nil, nil, fmt.Errorf("agent %s: corrupt card: %w", did, err)
	}
	return agent, &card, nil
}

// Query is a stateless lookup: no Proposal is ever created. Read-only and
// idempotent, so transient failures are retried with backoff.
func (m *Machine) Query(ctx context.Context, req protocol.QueryRequest) (*protocol.QueryResponse, error) {
	agent, _, err := m.activeAgent(ctx, req.AgentDID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := verbContext(ctx, m.opts.Timeouts.Query)
	defer cancel()

	var reply struct {
		Status string         `json:"status"`
		Result map[string]any `json:"result"`
		Error  string         `json:"error"`
	}
	payload := map[string]any{
		"action":     req.Query.Action,
		"parameters": req.Query.Parameters,
	}
	if err := m.caller.CallWithRetry(callCtx, m.opts.QueryRetries, agent.Endpoint, "/query", payload, agent.DID, &reply); err != nil {
		return nil, err
	}
	return &protocol.QueryResponse{
		AgentDID: agent.DID,
		Response: protocol.QueryResult{Status: reply.Status, Result: reply.Result, Error: reply.Error},
	}, nil
}

type proposeReply struct {
	Status      string         `json:"status"`
	Reservation map[string]any `json:"reservation"`
	ExpiresAt   *time.Time     `json:"expires_at"`
}

// Propose opens a Proposal and forwards it to the agent. Acceptance moves it
// to RESERVED with the agent's reservation payload; rejection is terminal.
func (m *Machine) Propose(ctx context.Context, req protocol.ProposeRequest) (*protocol.ProposeResponse, bool, error) {
	if rec, replay, err := m.replay(ctx, req.IdempotencyKey, "PROPOSE", "", req); err != nil {
		return nil, false, err
	} else if replay {
		var resp protocol.ProposeResponse
		if err := json.Unmarshal(rec.ResponseJSON, &resp); err != nil {
			return nil, false, err
		}
		return &resp, true, nil
	}

	agent, card, err := m.activeAgent(ctx, req.AgentDID)
	if err != nil {
		return nil, false, err
	}
	capability := card.Capability(req.Proposal.Action)
	if capability == nil {
		return nil, false, fmt.Errorf("%w: agent does not offer action %q", protocol.ErrSchemaInvalid, req.Proposal.Action)
	}

	paramsJSON, err := json.Marshal(req.Proposal.Parameters)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", protocol.ErrSchemaInvalid, err)
	}
	maxPrice := ""
	if req.Proposal.MaxPrice != nil {
		maxPrice = req.Proposal.MaxPrice.String()
	}
	expires := m.now().UTC().Add(m.opts.ReserveTTL)
	prop := &types.Proposal{
		ID:         uuid.NewString(),
		AgentDID:   agent.DID,
		ClientRef:  req.ClientRef,
		Action:     req.Proposal.Action,
		ParamsJSON: paramsJSON,
		MaxPrice:   maxPrice,
		State:      types.StateProposed,
		ExpiresAt:  &expires,
	}

	// A second PROPOSE for a held resource must fail closed, so for exclusive
	// actions the hold check and the insert run under one per-resource lock.
	resKey := ""
	if capability.Exclusive {
		resKey = reservationKey(req.Proposal.Parameters)
		unlock := m.lockReservation(agent.DID, resKey)
		defer unlock()
		held, err := m.store.Proposals().LiveByReservation(ctx, agent.DID, resKey)
		if err != nil {
			return nil, false, err
		}
		if held != nil {
			return nil, false, &protocol.InvalidStateError{Current: held.State}
		}
		prop.ReservationKey = resKey
		liveKey := agent.DID + "|" + resKey
		prop.LiveKey = &liveKey
	}
	if err := m.store.Proposals().Create(ctx, prop); err != nil {
		if resKey != "" && errors.Is(err, protocol.ErrInvalidState) {
			// another instance created a live hold between our check and insert
			if held, herr := m.store.Proposals().LiveByReservation(ctx, agent.DID, resKey); herr == nil && held != nil {
				return nil, false, &protocol.InvalidStateError{Current: held.State}
			}
			return nil, false, &protocol.InvalidStateError{Current: types.StateReserved}
		}
		return nil, false, err
	}

	callCtx, cancel := verbContext(ctx, m.opts.Timeouts.Propose)
	defer cancel()

	var reply proposeReply
	payload := map[string]any{
		"proposal_id": prop.ID,
		"action":      req.Proposal.Action,
		"parameters":  req.Proposal.Parameters,
		"max_price":   req.Proposal.MaxPrice,
	}
	if err := m.caller.Call(callCtx, agent.Endpoint, "/propose", payload, agent.DID, &reply); err != nil {
		// no idempotency record: the caller may safely retry with the same token
		return nil, false, err
	}

	resp := &protocol.ProposeResponse{ProposalID: prop.ID}
	switch reply.Status {
	case "accepted":
		expiresAt := m.now().UTC().Add(m.opts.ReserveTTL)
		if reply.ExpiresAt != nil && reply.ExpiresAt.After(m.now()) {
			expiresAt = reply.ExpiresAt.UTC()
		}
		resJSON, _ := json.Marshal(reply.Reservation)
		prop.State = types.StateReserved
		prop.ReservationJSON = resJSON
		prop.ExpiresAt = &expiresAt
		if err := m.applyTransition(ctx, prop); err != nil {
			return nil, false, err
		}
		resp.Status = "accepted"
		resp.Reservation = reply.Reservation
		resp.ExpiresAt = &expiresAt
	default:
		prop.State = types.StateRejected
		prop.ExpiresAt = nil
		if err := m.applyTransition(ctx, prop); err != nil {
			return nil, false, err
		}
		resp.Status = "rejected"
	}

	if err := m.record(ctx, req.IdempotencyKey, "PROPOSE", prop.ID, req, resp); err != nil {
		return nil, false, err
	}
	return resp, false, nil
}

// Commit finalizes a RESERVED proposal. The payment proof is opaque and
// forwarded untouched. Any other state fails closed; a proposal past its
// expiry fails with Expired even if the sweep has not run yet.
func (m *Machine) Commit(ctx context.Context, req protocol.CommitRequest) (*protocol.CommitResponse, bool, error) {
	if rec, replay, err := m.replay(ctx, req.IdempotencyKey, "COMMIT", req.ProposalID, req); err != nil {
		return nil, false, err
	} else if replay {
		var resp protocol.CommitResponse
		if err := json.Unmarshal(rec.ResponseJSON, &resp); err != nil {
			return nil, false, err
		}
		return &resp, true, nil
	}

	prop, err := m.store.Proposals().Get(ctx, req.ProposalID)
	if err != nil {
		return nil, false, err
	}
	if err := m.checkCommittable(ctx, prop); err != nil {
		return nil, false, err
	}

	// re-check activity synchronously: a deactivated agent must not be
	// committed against, even though stale discovery reads are tolerated
	agent, _, err := m.activeAgent(ctx, prop.AgentDID)
	if err != nil {
		return nil, false, err
	}

	callCtx, cancel := verbContext(ctx, m.opts.Timeouts.Commit)
	defer cancel()

	var reply struct {
		Status       string         `json:"status"`
		Confirmation map[string]any `json:"confirmation"`
	}
	payload := map[string]any{
		"proposal_id":   prop.ID,
		"payment_proof": req.PaymentProof,
	}
	if err := m.caller.Call(callCtx, agent.Endpoint, "/commit", payload, agent.DID, &reply); err != nil {
		return nil, false, err
	}

	resp := &protocol.CommitResponse{}
	if reply.Status != "confirmed" {
		// the agent declined; the reservation stays live until expiry or cancel
		resp.Status = "failed"
		resp.Confirmation = reply.Confirmation
		if err := m.record(ctx, req.IdempotencyKey, "COMMIT", prop.ID, req, resp); err != nil {
			return nil, false, err
		}
		return resp, false, nil
	}

	fromVersion := prop.Version
	prop.State = types.StateCommitted
	if err := m.store.Proposals().Update(ctx, prop, fromVersion); err != nil {
		if errors.Is(err, protocol.ErrVersionConflict) {
			// re-evaluate against whoever won the race
			cur, gerr := m.store.Proposals().Get(ctx, prop.ID)
			if gerr != nil {
				return nil, false, gerr
			}
			if cur.State == types.StateExpired {
				return nil, false, fmt.Errorf("proposal %s: %w", prop.ID, protocol.ErrExpired)
			}
			return nil, false, &protocol.InvalidStateError{Current: cur.State}
		}
		return nil, false, err
	}

	confJSON, _ := json.Marshal(reply.Confirmation)
	commitment := &types.Commitment{
		ID:               uuid.NewString(),
		ProposalID:       prop.ID,
		PaymentProof:     req.PaymentProof,
		ConfirmationJSON: confJSON,
		ConfirmedAt:      m.now().UTC(),
	}
	if err := m.store.Commitments().Create(ctx, commitment); err != nil {
		return nil, false, err
	}

	resp.CommitmentID = commitment.ID
	resp.Status = "confirmed"
	resp.Confirmation = reply.Confirmation
	if err := m.record(ctx, req.IdempotencyKey, "COMMIT", prop.ID, req, resp); err != nil {
		return nil, false, err
	}
	return resp, false, nil
}

func (m *Machine) checkCommittable(ctx context.Context, prop *types.Proposal) error {
	switch prop.State {
	case types.StateExpired:
		return fmt.Errorf("proposal %s: %w", prop.ID, protocol.ErrExpired)
	case types.StateReserved:
	default:
		return &protocol.InvalidStateError{Current: prop.State}
	}
	if prop.ExpiresAt != nil && !m.now().Before(*prop.ExpiresAt) {
		// past the deadline but the sweep has not caught it yet; expire it
		// here so a late COMMIT never silently succeeds
		fromVersion := prop.Version
		expired := *prop
		expired.State = types.StateExpired
		if err := m.store.Proposals().Update(ctx, &expired, fromVersion); err != nil && !errors.Is(err, protocol.ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("proposal %s: %w", prop.ID, protocol.ErrExpired)
	}
	return nil
}

// Cancel releases a RESERVED proposal or unwinds a COMMITTED one. The
// Commitment record is never touched; a Cancellation record is added
// alongside it.
func (m *Machine) Cancel(ctx context.Context, req protocol.CancelRequest) (*protocol.CancelResponse, bool, error) {
	proposalID := req.ProposalID
	commitmentID := req.CommitmentID
	if proposalID == "" && commitmentID == "" {
		return nil, false, fmt.Errorf("%w: proposal_id or commitment_id is required", protocol.ErrSchemaInvalid)
	}
	if proposalID == "" {
		c, err := m.store.Commitments().Get(ctx, commitmentID)
		if err != nil {
			return nil, false, err
		}
		proposalID = c.ProposalID
	}

	if rec, replay, err := m.replay(ctx, req.IdempotencyKey, "CANCEL", proposalID, req); err != nil {
		return nil, false, err
	} else if replay {
		var resp protocol.CancelResponse
		if err := json.Unmarshal(rec.ResponseJSON, &resp); err != nil {
			return nil, false, err
		}
		return &resp, true, nil
	}

	prop, err := m.store.Proposals().Get(ctx, proposalID)
	if err != nil {
		return nil, false, err
	}

	switch prop.State {
	case types.StateReserved:
		return m.cancelReserved(ctx, req, prop)
	case types.StateCommitted:
		return m.cancelCommitted(ctx, req, prop, commitmentID)
	case types.StateExpired:
		return nil, false, fmt.Errorf("proposal %s: %w", prop.ID, protocol.ErrExpired)
	default:
		return nil, false, &protocol.InvalidStateError{Current: prop.State}
	}
}

func (m *Machine) cancelReserved(ctx context.Context, req protocol.CancelRequest, prop *types.Proposal) (*protocol.CancelResponse, bool, error) {
	// releasing a hold needs no agent confirmation; notify best-effort
	if agent, _, err := m.activeAgent(ctx, prop.AgentDID); err == nil {
		callCtx, cancel := verbContext(ctx, m.opts.Timeouts.Cancel)
		payload := map[string]any{"proposal_id": prop.ID, "reason": req.Reason}
		_ = m.caller.Call(callCtx, agent.Endpoint, "/cancel", payload, agent.DID, nil)
		cancel()
	}

	fromVersion := prop.Version
	prop.State = types.StateCancelled
	if err := m.store.Proposals().Update(ctx, prop, fromVersion); err != nil {
		if errors.Is(err, protocol.ErrVersionConflict) {
			cur, gerr := m.store.Proposals().Get(ctx, prop.ID)
			if gerr != nil {
				return nil, false, gerr
			}
			if cur.State == types.StateExpired {
				return nil, false, fmt.Errorf("proposal %s: %w", prop.ID, protocol.ErrExpired)
			}
			return nil, false, &protocol.InvalidStateError{Current: cur.State}
		}
		return nil, false, err
	}
	if err := m.store.Cancellations().Create(ctx, &types.Cancellation{
		ID:          uuid.NewString(),
		ProposalID:  prop.ID,
		Reason:      req.Reason,
		CancelledAt: m.now().UTC(),
	}); err != nil {
		return nil, false, err
	}

	resp := &protocol.CancelResponse{Status: "cancelled"}
	if err := m.record(ctx, req.IdempotencyKey, "CANCEL", prop.ID, req, resp); err != nil {
		return nil, false, err
	}
	return resp, false, nil
}

func (m *Machine) cancelCommitted(ctx context.Context, req protocol.CancelRequest, prop *types.Proposal, commitmentID string) (*protocol.CancelResponse, bool, error) {
	if _, err := m.store.Cancellations().GetByProposal(ctx, prop.ID); err == nil {
		return nil, false, &protocol.InvalidStateError{Current: types.StateCancelled}
	}
	if commitmentID == "" {
		c, err := m.store.Commitments().GetByProposal(ctx, prop.ID)
		if err != nil {
			return nil, false, err
		}
		commitmentID = c.ID
	}

	agent, _, err := m.activeAgent(ctx, prop.AgentDID)
	if err != nil {
		return nil, false, err
	}

	callCtx, cancel := verbContext(ctx, m.opts.Timeouts.Cancel)
	defer cancel()

	var reply struct {
		Status       string `json:"status"`
		RefundIssued bool   `json:"refund_issued"`
	}
	payload := map[string]any{
		"proposal_id":      prop.ID,
		"commitment_id":    commitmentID,
		"reason":           req.Reason,
		"refund_requested": req.RefundRequested,
	}
	if err := m.caller.Call(callCtx, agent.Endpoint, "/cancel", payload, agent.DID, &reply); err != nil {
		return nil, false, err
	}
	if reply.Status != "cancelled" {
		return nil, false, fmt.Errorf("agent refused cancellation: %w", protocol.ErrAgentUnreachable)
	}

	// the Commitment stays untouched; the cancellation is its own record
	if err := m.store.Cancellations().Create(ctx, &types.Cancellation{
		ID:           uuid.NewString(),
		ProposalID:   prop.ID,
		CommitmentID: commitmentID,
		Reason:       req.Reason,
		RefundIssued: reply.RefundIssued,
		CancelledAt:  m.now().UTC(),
	}); err != nil {
		return nil, false, err
	}

	resp := &protocol.CancelResponse{Status: "cancelled", RefundIssued: reply.RefundIssued}
	if err := m.record(ctx, req.IdempotencyKey, "CANCEL", prop.ID, req, resp); err != nil {
		return nil, false, err
	}
	return resp, false, nil
}

// reservationKey identifies the resource an exclusive action holds: the
// agent-facing reservation_key parameter when present, otherwise the hash of
// the full parameter set.
func reservationKey(params map[string]any) string {
	if k, ok := params["reservation_key"].(string); ok && k != "" {
		return k
	}
	canonical, err := identity.Canonicalize(params)
	if err != nil {
		canonical = []byte(fmt.Sprint(params))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// replay looks up a previous result for the idempotency token. A token reuse
// with a different request or proposal is rejected, not silently replayed.
func (m *Machine) replay(ctx context.Context, token, verb, proposalID string, req any) (*types.IdempotencyRecord, bool, error) {
	if token == "" {
		return nil, false, nil
	}
	rec, err := m.store.Idempotency().Get(ctx, token)
	if errors.Is(err, protocol.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if rec.Verb != verb || (proposalID != "" && rec.ProposalID != proposalID) || rec.RequestHash != requestHash(req) {
		return nil, false, protocol.ErrIdempotencyReuse
	}
	return rec, true, nil
}

func (m *Machine) record(ctx context.Context, token, verb, proposalID string, req, resp any) error {
	if token == "" {
		return nil
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return m.store.Idempotency().Put(ctx, &types.IdempotencyRecord{
		Token:        token,
		Verb:         verb,
		ProposalID:   proposalID,
		RequestHash:  requestHash(req),
		ResponseJSON: respJSON,
	})
}

func requestHash(req any) string {
	canonical, err := identity.Canonicalize(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// applyTransition writes a PROPOSED -> {RESERVED,REJECTED} transition. The
// proposal was just created by this call, so a version conflict here means
// the sweep expired it mid-flight; the agent's answer still loses to expiry.
func (m *Machine) applyTransition(ctx context.Context, prop *types.Proposal) error {
	if err := m.store.Proposals().Update(ctx, prop, prop.Version); err != nil {
		if errors.Is(err, protocol.ErrVersionConflict) {
			return fmt.Errorf("proposal %s: %w", prop.ID, protocol.ErrExpired)
		}
		return err
	}
	return nil
}
