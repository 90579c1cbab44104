// Minimal end-to-end smoke test for the Poros orchestration API. Needs a
// running engine and a running demo agent started with the same AGENT_SEED.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/poros-protocol/poros-core/src/identity"
)

var (
	baseURL  = getenv("API_URL", "http://localhost:8080/v1")
	agentURL = getenv("AGENT_URL", "http://localhost:8090")
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

var token string

func main() {
	agentSeed := os.Getenv("AGENT_SEED")
	if agentSeed == "" {
		log.Fatal("AGENT_SEED is required (same seed the demo agent runs with)")
	}
	agentDID, agentKey, err := identity.KeypairFromSeed(agentSeed)
	if err != nil {
		log.Fatalf("agent seed: %v", err)
	}
	clientDID, clientKey, err := identity.GenerateKeypair()
	if err != nil {
		log.Fatalf("client keypair: %v", err)
	}

	// auth: challenge -> sign nonce -> verify
	var chal struct {
		Nonce string `json:"nonce"`
	}
	doJSON("POST", "/auth/challenge", map[string]any{"did": clientDID}, &chal, http.StatusOK)
	if chal.Nonce == "" {
		log.Fatal("challenge: empty nonce")
	}
	sig, err := identity.Sign(map[string]any{"did": clientDID, "nonce": chal.Nonce}, clientKey)
	if err != nil {
		log.Fatalf("sign nonce: %v", err)
	}
	var verified struct {
		Token string `json:"token"`
	}
	doJSON("POST", "/auth/verify", map[string]any{"did": clientDID, "signature": sig}, &verified, http.StatusOK)
	token = verified.Token

	// register the demo agent's card
	card := map[string]any{
		"did":      agentDID,
		"name":     "demo-agent",
		"endpoint": agentURL,
		"capabilities": []map[string]any{
			{"name": "echo"},
			{"name": "book_demo", "exclusive": true},
		},
		"pricing": map[string]any{"model": "free"},
	}
	cardSig, err := identity.Sign(card, agentKey)
	if err != nil {
		log.Fatalf("sign card: %v", err)
	}
	card["signature"] = cardSig
	doJSON("POST", "/registry/agents", card, nil, http.StatusCreated)

	// discover it back
	var disc struct {
		Agents []struct {
			DID string `json:"did"`
		} `json:"agents"`
	}
	doJSON("POST", "/orchestrate/discover", map[string]any{"capability": "echo"}, &disc, http.StatusOK)
	if len(disc.Agents) == 0 {
		log.Fatal("discover: no agents")
	}

	// stateless query
	doJSON("POST", "/orchestrate/query", map[string]any{
		"agent_did": agentDID,
		"query":     map[string]any{"action": "echo", "parameters": map[string]any{"msg": "ping"}},
	}, nil, http.StatusOK)

	// full transaction round trip
	var prop struct {
		ProposalID string `json:"proposal_id"`
		Status     string `json:"status"`
	}
	doJSON("POST", "/orchestrate/propose", map[string]any{
		"agent_did": agentDID,
		"proposal":  map[string]any{"action": "book_demo", "parameters": map[string]any{"slot": time.Now().Format(time.RFC3339)}},
	}, &prop, http.StatusCreated)
	if prop.Status != "accepted" {
		log.Fatalf("propose: status %s", prop.Status)
	}

	var com struct {
		CommitmentID string `json:"commitment_id"`
		Status       string `json:"status"`
	}
	doJSON("POST", "/orchestrate/commit", map[string]any{
		"agent_did":     agentDID,
		"proposal_id":   prop.ProposalID,
		"payment_proof": "smoke-proof",
	}, &com, http.StatusOK)
	if com.Status != "confirmed" {
		log.Fatalf("commit: status %s", com.Status)
	}

	doJSON("POST", "/orchestrate/cancel", map[string]any{
		"commitment_id":    com.CommitmentID,
		"reason":           "smoke test cleanup",
		"refund_requested": true,
	}, nil, http.StatusOK)

	// attest the interaction and read the score back
	att := map[string]any{
		"subject_did":    agentDID,
		"attester_did":   clientDID,
		"interaction_id": prop.ProposalID,
		"metrics":        map[string]any{"success": true, "latency_ms": 80, "quality_score": 5},
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	attSig, err := identity.Sign(att, clientKey)
	if err != nil {
		log.Fatalf("sign attestation: %v", err)
	}
	att["signature"] = attSig
	doJSON("POST", "/reputation/attestations", att, nil, http.StatusAccepted)

	var rep struct {
		Score float64 `json:"score"`
	}
	doJSON("GET", "/reputation/"+agentDID, nil, &rep, http.StatusOK)
	fmt.Printf("reputation after attestation: %.3f\n", rep.Score)

	fmt.Println("all endpoints passed")
}

func doJSON(method, path string, payload, out any, wantStatus int) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Fatalf("%s %s: marshal: %v", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, baseURL+path, body)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d want %d: %s", method, path, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}
