package webserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poros-protocol/poros-core/src/registry"
	"github.com/poros-protocol/poros-core/src/types"
)

type RegistryHandlers struct {
	reg    *registry.Registry
	signer Signer
}

func NewRegistryHandlers(reg *registry.Registry, signer Signer) *RegistryHandlers {
	return &RegistryHandlers{reg: reg, signer: signer}
}

func (h *RegistryHandlers) Register(c *gin.Context) {
	var card types.AgentCard
	if err := c.ShouldBindJSON(&card); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed agent card", "code": "SCHEMA_INVALID"})
		return
	}
	owner := c.GetString("did")
	agent, err := h.reg.Register(c.Request.Context(), card, owner)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusCreated
	if agent.Version > 1 {
		status = http.StatusOK
	}
	h.signer.Respond(c, status, gin.H{
		"did":        agent.DID,
		"version":    agent.Version,
		"is_active":  agent.IsActive,
		"created_at": agent.CreatedAt,
	})
}

func (h *RegistryHandlers) Deactivate(c *gin.Context) {
	did := c.Param("did")
	if err := h.reg.Deactivate(c.Request.Context(), did, c.GetString("did")); err != nil {
		fail(c, err)
		return
	}
	h.signer.Respond(c, http.StatusOK, gin.H{"did": did, "is_active": false})
}

func (h *RegistryHandlers) Get(c *gin.Context) {
	agent, err := h.reg.Get(c.Request.Context(), c.Param("did"))
	if err != nil {
		fail(c, err)
		return
	}
	card, err := agent.Card()
	if err != nil {
		fail(c, err)
		return
	}
	h.signer.Respond(c, http.StatusOK, gin.H{
		"card":       card,
		"is_active":  agent.IsActive,
		"version":    agent.Version,
		"reputation": agent.RepScore,
	})
}
