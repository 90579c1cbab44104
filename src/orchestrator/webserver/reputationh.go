package webserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poros-protocol/poros-core/src/protocol"
	"github.com/poros-protocol/poros-core/src/reputation"
)

type ReputationHandlers struct {
	ledger *reputation.Ledger
	signer Signer
}

func NewReputation(ledger *reputation.Ledger, signer Signer) *ReputationHandlers {
	return &ReputationHandlers{ledger: ledger, signer: signer}
}

func (h *ReputationHandlers) Record(c *gin.Context) {
	var sub protocol.AttestationSubmit
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed attestation", "code": "SCHEMA_INVALID"})
		return
	}
	if err := h.ledger.RecordAttestation(c.Request.Context(), sub); err != nil {
		fail(c, err)
		return
	}
	h.signer.Respond(c, http.StatusAccepted, gin.H{"status": "recorded", "interaction_id": sub.InteractionID})
}

func (h *ReputationHandlers) Score(c *gin.Context) {
	did := c.Param("did")
	score, err := h.ledger.Score(c.Request.Context(), did)
	if err != nil {
		fail(c, err)
		return
	}
	metrics, err := h.ledger.Metrics(c.Request.Context(), did)
	if err != nil {
		fail(c, err)
		return
	}
	h.signer.Respond(c, http.StatusOK, gin.H{
		"did":            did,
		"score":          score,
		"total_calls":    metrics.TotalCalls,
		"success_rate":   metrics.SuccessRate,
		"avg_latency_ms": metrics.AvgLatencyMs,
	})
}
