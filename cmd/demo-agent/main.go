// Reference Poros agent: accepts orchestrator verbs, holds reservations in
// memory, and signs every reply. Useful for local end-to-end runs against the
// orchestration engine.
package main

import (
	"crypto/ed25519"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/poros-protocol/poros-core/src/identity"
)

type agent struct {
	did string
	key ed25519.PrivateKey

	orchestratorDID string // when set, inbound requests must be signed by it

	mu           sync.Mutex
	reservations map[string]string // proposal_id -> hold id
	commitments  map[string]string // proposal_id -> confirmation reference
}

func main() {
	port := getenv("PORT", "8090")
	var (
		did string
		key ed25519.PrivateKey
		err error
	)
	if seed := os.Getenv("AGENT_SEED"); seed != "" {
		did, key, err = identity.KeypairFromSeed(seed)
	} else {
		did, key, err = identity.GenerateKeypair()
	}
	if err != nil {
		log.Fatalf("agent identity: %v", err)
	}

	a := &agent{
		did:             did,
		key:             key,
		orchestratorDID: os.Getenv("ORCHESTRATOR_DID"),
		reservations:    map[string]string{},
		commitments:     map[string]string{},
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/query", a.query)
	r.POST("/propose", a.propose)
	r.POST("/commit", a.commit)
	r.POST("/cancel", a.cancel)

	log.Printf("demo agent %s listening on %s", did, port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("http: %v", err)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// bind decodes the request and, when an orchestrator DID is configured,
// refuses anything not signed by it.
func (a *agent) bind(c *gin.Context) (map[string]any, bool) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return nil, false
	}
	if a.orchestratorDID != "" {
		sig, _ := body["signature"].(string)
		if sig == "" || !identity.Verify(body, sig, a.orchestratorDID) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "request not signed by orchestrator"})
			return nil, false
		}
	}
	return body, true
}

func (a *agent) reply(c *gin.Context, body map[string]any) {
	delete(body, "signature")
	sig, err := identity.Sign(body, a.key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signing failure"})
		return
	}
	body["signature"] = sig
	c.JSON(http.StatusOK, body)
}

func (a *agent) query(c *gin.Context) {
	body, ok := a.bind(c)
	if !ok {
		return
	}
	action, _ := body["action"].(string)
	a.reply(c, map[string]any{
		"status": "ok",
		"result": map[string]any{
			"action": action,
			"echo":   body["parameters"],
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (a *agent) propose(c *gin.Context) {
	body, ok := a.bind(c)
	if !ok {
		return
	}
	proposalID, _ := body["proposal_id"].(string)
	if proposalID == "" {
		a.reply(c, map[string]any{"status": "rejected", "reason": "missing proposal_id"})
		return
	}
	hold := uuid.NewString()
	a.mu.Lock()
	a.reservations[proposalID] = hold
	a.mu.Unlock()

	expires := time.Now().UTC().Add(10 * time.Minute)
	a.reply(c, map[string]any{
		"status":      "accepted",
		"reservation": map[string]any{"hold_id": hold},
		"expires_at":  expires.Format(time.RFC3339),
	})
}

func (a *agent) commit(c *gin.Context) {
	body, ok := a.bind(c)
	if !ok {
		return
	}
	proposalID, _ := body["proposal_id"].(string)
	proof, _ := body["payment_proof"].(string)

	a.mu.Lock()
	_, held := a.reservations[proposalID]
	if !held || proof == "" {
		a.mu.Unlock()
		a.reply(c, map[string]any{"status": "failed", "reason": "no live reservation"})
		return
	}
	delete(a.reservations, proposalID)
	ref := uuid.NewString()
	a.commitments[proposalID] = ref
	a.mu.Unlock()

	a.reply(c, map[string]any{
		"status":       "confirmed",
		"confirmation": map[string]any{"reference": ref},
	})
}

func (a *agent) cancel(c *gin.Context) {
	body, ok := a.bind(c)
	if !ok {
		return
	}
	proposalID, _ := body["proposal_id"].(string)

	a.mu.Lock()
	_, committed := a.commitments[proposalID]
	delete(a.reservations, proposalID)
	delete(a.commitments, proposalID)
	a.mu.Unlock()

	a.reply(c, map[string]any{
		"status":        "cancelled",
		"refund_issued": committed,
	})
}
