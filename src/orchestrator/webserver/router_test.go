package webserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/poros-protocol/poros-core/src/agentclient"
	"github.com/poros-protocol/poros-core/src/identity"
	"github.com/poros-protocol/poros-core/src/orchestrator/config"
	"github.com/poros-protocol/poros-core/src/protocol"
	"github.com/poros-protocol/poros-core/src/ranking"
	"github.com/poros-protocol/poros-core/src/registry"
	"github.com/poros-protocol/poros-core/src/reputation"
	"github.com/poros-protocol/poros-core/src/store"
	"github.com/poros-protocol/poros-core/src/txn"
	"github.com/poros-protocol/poros-core/src/types"
)

const testSecret = "router-test-secret"

type env struct {
	router    *gin.Engine
	store     *store.Memory
	engineDID string

	agentDID string
	agentKey ed25519.PrivateKey
	agentSrv *httptest.Server
	replies  map[string]map[string]any
}

func newEnv(t *testing.T) *env {
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()

	engineDID, engineKey, err := identity.GenerateKeypair()
	require.NoError(t, err)
	agentDID, agentKey, err := identity.GenerateKeypair()
	require.NoError(t, err)

	e := &env{
		store:     st,
		engineDID: engineDID,
		agentDID:  agentDID,
		agentKey:  agentKey,
		replies: map[string]map[string]any{
			"/query":   {"status": "ok", "result": map[string]any{"temperature": 18.0}},
			"/propose": {"status": "accepted", "reservation": map[string]any{"hold": "h-1"}},
			"/commit":  {"status": "confirmed", "confirmation": map[string]any{"reference": "BK-9"}},
			"/cancel":  {"status": "cancelled", "refund_issued": true},
		},
	}
	e.agentSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply := e.replies[r.URL.Path]
		body := make(map[string]any, len(reply)+1)
		for k, v := range reply {
			body[k] = v
		}
		sig, err := identity.Sign(body, e.agentKey)
		require.NoError(t, err)
		body["signature"] = sig
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(e.agentSrv.Close)

	reg := registry.New(st)
	ledger := reputation.New(st, nil, reputation.Config{})
	engine, err := ranking.New(reg, ledger, config.RankWeights{
		SkillMatch: 0.40, Performance: 0.25, Semantic: 0.20, Monetization: 0.10, Freshness: 0.05,
	}, ranking.KeywordSimilarity{}, 0)
	require.NoError(t, err)
	machine := txn.New(st, agentclient.New(engineKey, engineDID), txn.Options{ReserveTTL: time.Minute})

	e.router = New(Deps{
		Cfg:       config.Config{JWTSecret: testSecret, Port: "0"},
		Registry:  reg,
		Ledger:    ledger,
		Ranking:   engine,
		Machine:   machine,
		EngineDID: engineDID,
		EngineKey: engineKey,
	})
	return e
}

func (e *env) token(t *testing.T, did string) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"did": did,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (e *env) do(t *testing.T, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var out map[string]any
	if len(w.Body.Bytes()) > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (e *env) registerAgent(t *testing.T) {
	card := types.AgentCard{
		DID:      e.agentDID,
		Name:     "Hotel Desk",
		Endpoint: e.agentSrv.URL,
		Capabilities: []types.Capability{
			{Name: "weather_lookup"},
			{Name: "book_room", Exclusive: true},
		},
		Skills:  []string{"weather", "hotels"},
		Pricing: types.Pricing{Model: types.PricingFree},
	}
	sig, err := identity.Sign(card, e.agentKey)
	require.NoError(t, err)
	card.Signature = sig

	w, body := e.do(t, http.MethodPost, "/v1/registry/agents", e.token(t, e.agentDID), card)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, e.agentDID, body["did"])
}

// every engine response must verify against the engine DID
func requireEngineSigned(t *testing.T, engineDID string, body map[string]any) {
	sig, _ := body["signature"].(string)
	require.NotEmpty(t, sig)
	require.True(t, identity.Verify(body, sig, engineDID))
}

func TestRegisterAndDiscoverOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t)

	w, body := e.do(t, http.MethodGet, "/v1/registry/agents/"+e.agentDID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	requireEngineSigned(t, e.engineDID, body)

	w, body = e.do(t, http.MethodPost, "/v1/orchestrate/discover", "", protocol.DiscoverRequest{
		Capability: "weather_lookup",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	requireEngineSigned(t, e.engineDID, body)
	agents := body["agents"].([]any)
	require.Len(t, agents, 1)
	first := agents[0].(map[string]any)
	require.Equal(t, e.agentDID, first["did"])
	require.Equal(t, 0.5, first["reputation_score"])
}

func TestQueryOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t)

	w, body := e.do(t, http.MethodPost, "/v1/orchestrate/query", "", protocol.QueryRequest{
		AgentDID: e.agentDID,
		Query:    protocol.AgentQuery{Action: "weather_lookup", Parameters: map[string]any{"city": "Lisbon"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	requireEngineSigned(t, e.engineDID, body)
	resp := body["response"].(map[string]any)
	require.Equal(t, "ok", resp["status"])
}

func TestProposeCommitCancelOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t)
	clientDID, _, err := identity.GenerateKeypair()
	require.NoError(t, err)
	bearer := e.token(t, clientDID)

	w, body := e.do(t, http.MethodPost, "/v1/orchestrate/propose", bearer, protocol.ProposeRequest{
		AgentDID: e.agentDID,
		Proposal: protocol.ProposalBody{Action: "book_room", Parameters: map[string]any{"room": "204"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	requireEngineSigned(t, e.engineDID, body)
	require.Equal(t, "accepted", body["status"])
	proposalID := body["proposal_id"].(string)

	w, body = e.do(t, http.MethodPost, "/v1/orchestrate/commit", bearer, protocol.CommitRequest{
		AgentDID:     e.agentDID,
		ProposalID:   proposalID,
		PaymentProof: "proof",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "confirmed", body["status"])
	commitmentID := body["commitment_id"].(string)

	w, body = e.do(t, http.MethodPost, "/v1/orchestrate/cancel", bearer, protocol.CancelRequest{
		CommitmentID:    commitmentID,
		RefundRequested: true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "cancelled", body["status"])
	require.Equal(t, true, body["refund_issued"])
}

func TestVerbsRequireAuth(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t)

	w, _ := e.do(t, http.MethodPost, "/v1/orchestrate/propose", "", protocol.ProposeRequest{
		AgentDID: e.agentDID,
		Proposal: protocol.ProposalBody{Action: "book_room"},
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdempotentReplayReturnsIdenticalBytes(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t)
	bearer := e.token(t, "did:poros:ed25519:client")

	req := protocol.ProposeRequest{
		AgentDID:       e.agentDID,
		Proposal:       protocol.ProposalBody{Action: "book_room", Parameters: map[string]any{"room": "204"}},
		IdempotencyKey: "http-tok-1",
	}
	w1, _ := e.do(t, http.MethodPost, "/v1/orchestrate/propose", bearer, req)
	require.Equal(t, http.StatusCreated, w1.Code, w1.Body.String())

	w2, _ := e.do(t, http.MethodPost, "/v1/orchestrate/propose", bearer, req)
	require.Equal(t, http.StatusOK, w2.Code)
	require.Equal(t, w1.Body.String(), w2.Body.String())
}

func TestCommitReplayReturnsIdenticalBytes(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t)
	bearer := e.token(t, "did:poros:ed25519:client")

	w, body := e.do(t, http.MethodPost, "/v1/orchestrate/propose", bearer, protocol.ProposeRequest{
		AgentDID: e.agentDID,
		Proposal: protocol.ProposalBody{Action: "book_room", Parameters: map[string]any{"room": "204"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	proposalID := body["proposal_id"].(string)

	req := protocol.CommitRequest{
		AgentDID:       e.agentDID,
		ProposalID:     proposalID,
		PaymentProof:   "proof",
		IdempotencyKey: "http-commit-1",
	}
	w1, body1 := e.do(t, http.MethodPost, "/v1/orchestrate/commit", bearer, req)
	require.Equal(t, http.StatusOK, w1.Code, w1.Body.String())
	require.Equal(t, "confirmed", body1["status"])

	w2, _ := e.do(t, http.MethodPost, "/v1/orchestrate/commit", bearer, req)
	require.Equal(t, http.StatusOK, w2.Code)
	require.Equal(t, w1.Body.String(), w2.Body.String())

	// the replay created no second commitment
	c, err := e.store.Commitments().GetByProposal(context.Background(), proposalID)
	require.NoError(t, err)
	require.Equal(t, body1["commitment_id"], c.ID)
}

func TestErrorMappingOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t)
	bearer := e.token(t, "did:poros:ed25519:client")

	// unknown proposal
	w, body := e.do(t, http.MethodPost, "/v1/orchestrate/commit", bearer, protocol.CommitRequest{
		AgentDID:     e.agentDID,
		ProposalID:   "nope",
		PaymentProof: "proof",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NOT_FOUND", body["code"])

	// rejected proposal cannot be committed
	e.replies["/propose"] = map[string]any{"status": "rejected"}
	w, body = e.do(t, http.MethodPost, "/v1/orchestrate/propose", bearer, protocol.ProposeRequest{
		AgentDID: e.agentDID,
		Proposal: protocol.ProposalBody{Action: "book_room"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	proposalID := body["proposal_id"].(string)

	w, body = e.do(t, http.MethodPost, "/v1/orchestrate/commit", bearer, protocol.CommitRequest{
		AgentDID:     e.agentDID,
		ProposalID:   proposalID,
		PaymentProof: "proof",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "INVALID_STATE", body["code"])
	require.Equal(t, types.StateRejected, body["state"])

	// unknown action on the card
	w, body = e.do(t, http.MethodPost, "/v1/orchestrate/propose", bearer, protocol.ProposeRequest{
		AgentDID: e.agentDID,
		Proposal: protocol.ProposalBody{Action: "teleport"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "SCHEMA_INVALID", body["code"])
}

func TestAttestationAndScoreOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t)
	clientDID, clientKey, err := identity.GenerateKeypair()
	require.NoError(t, err)
	bearer := e.token(t, clientDID)

	// run one full interaction as the client
	w, body := e.do(t, http.MethodPost, "/v1/orchestrate/propose", bearer, protocol.ProposeRequest{
		AgentDID: e.agentDID,
		Proposal: protocol.ProposalBody{Action: "book_room", Parameters: map[string]any{"room": "204"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	proposalID := body["proposal_id"].(string)
	w, _ = e.do(t, http.MethodPost, "/v1/orchestrate/commit", bearer, protocol.CommitRequest{
		AgentDID: e.agentDID, ProposalID: proposalID, PaymentProof: "proof",
	})
	require.Equal(t, http.StatusOK, w.Code)

	sub := protocol.AttestationSubmit{
		SubjectDID:    e.agentDID,
		AttesterDID:   clientDID,
		InteractionID: proposalID,
		Metrics:       protocol.AttestationMetrics{Success: true, LatencyMs: 150, QualityScore: 5},
		Timestamp:     time.Now().UTC(),
	}
	sig, err := identity.Sign(sub, clientKey)
	require.NoError(t, err)
	sub.Signature = sig

	w, body = e.do(t, http.MethodPost, "/v1/reputation/attestations", "", sub)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	requireEngineSigned(t, e.engineDID, body)

	// a tampered attestation is refused
	bad := sub
	bad.Metrics.QualityScore = 1
	w, body = e.do(t, http.MethodPost, "/v1/reputation/attestations", "", bad)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "INVALID_SIGNATURE", body["code"])

	w, body = e.do(t, http.MethodGet, "/v1/reputation/"+e.agentDID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	requireEngineSigned(t, e.engineDID, body)
	require.InDelta(t, 1.0, body["score"].(float64), 0.01)
	require.Equal(t, float64(1), body["total_calls"])
}
