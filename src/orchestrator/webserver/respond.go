package webserver

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poros-protocol/poros-core/src/identity"
	"github.com/poros-protocol/poros-core/src/protocol"
)

// Signer stamps engine responses with the orchestrator's DID and an
// ed25519 signature over the canonical body. Signatures are
// deterministic, so an idempotent replay serializes to the same bytes
// as the original response.
type Signer struct {
	Key ed25519.PrivateKey
	DID string
}

func (s Signer) Respond(c *gin.Context, status int, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode failure"})
		return
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode failure"})
		return
	}
	delete(m, "signature")
	m["orchestrator_did"] = s.DID
	sig, err := identity.Sign(m, s.Key)
	if err != nil {
		log.Printf("webserver: response signing failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signing failure"})
		return
	}
	m["signature"] = sig
	c.JSON(status, m)
}

// fail maps engine errors onto the HTTP surface. Distinct bodies keep
// EXPIRED and other invalid-state conflicts tellable apart at 409.
func fail(c *gin.Context, err error) {
	var ise *protocol.InvalidStateError
	switch {
	case errors.Is(err, protocol.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature", "code": "INVALID_SIGNATURE"})
	case errors.Is(err, protocol.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "not owner", "code": "NOT_OWNER"})
	case errors.Is(err, protocol.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "attester not a participant", "code": "NOT_PARTICIPANT"})
	case errors.Is(err, protocol.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "code": "NOT_FOUND"})
	case errors.Is(err, protocol.ErrDuplicateDID):
		c.JSON(http.StatusConflict, gin.H{"error": "did already registered", "code": "DUPLICATE_DID"})
	case errors.Is(err, protocol.ErrExpired):
		c.JSON(http.StatusConflict, gin.H{"error": "proposal expired", "code": "EXPIRED"})
	case errors.Is(err, protocol.ErrAlreadyRecorded):
		c.JSON(http.StatusConflict, gin.H{"error": "attestation already recorded", "code": "ALREADY_RECORDED"})
	case errors.Is(err, protocol.ErrIdempotencyReuse):
		c.JSON(http.StatusConflict, gin.H{"error": "idempotency key reused with a different request", "code": "IDEMPOTENCY_REUSE"})
	case errors.As(err, &ise):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid state transition", "code": "INVALID_STATE", "state": ise.Current})
	case errors.Is(err, protocol.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid state transition", "code": "INVALID_STATE"})
	case errors.Is(err, protocol.ErrSchemaInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "SCHEMA_INVALID"})
	case errors.Is(err, protocol.ErrAgentTimeout), errors.Is(err, protocol.ErrAgentUnreachable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "agent unreachable", "code": "AGENT_UNREACHABLE"})
	default:
		log.Printf("webserver: internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "INTERNAL"})
	}
}
