package webserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poros-protocol/poros-core/src/protocol"
	"github.com/poros-protocol/poros-core/src/ranking"
	"github.com/poros-protocol/poros-core/src/txn"
)

type Verbs struct {
	ranking *ranking.Engine
	machine *txn.Machine
	signer  Signer
}

func NewVerbs(rk *ranking.Engine, m *txn.Machine, signer Signer) *Verbs {
	return &Verbs{ranking: rk, machine: m, signer: signer}
}

func (v *Verbs) Discover(c *gin.Context) {
	var req protocol.DiscoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "capability required", "code": "SCHEMA_INVALID"})
		return
	}
	candidates, err := v.ranking.Discover(c.Request.Context(), req.Capability, req.Filters, req.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	resp := protocol.DiscoverResponse{Agents: make([]protocol.DiscoveredAgent, 0, len(candidates))}
	for _, cand := range candidates {
		resp.Agents = append(resp.Agents, protocol.DiscoveredAgent{
			DID:             cand.Agent.DID,
			Name:            cand.Card.Name,
			ReputationScore: cand.Reputation,
			Pricing:         cand.Card.Pricing,
			Score:           cand.Score,
		})
	}
	v.signer.Respond(c, http.StatusOK, resp)
}

func (v *Verbs) Query(c *gin.Context) {
	var req protocol.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_did and query required", "code": "SCHEMA_INVALID"})
		return
	}
	resp, err := v.machine.Query(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	v.signer.Respond(c, http.StatusOK, resp)
}

func (v *Verbs) Propose(c *gin.Context) {
	var req protocol.ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_did and proposal required", "code": "SCHEMA_INVALID"})
		return
	}
	if req.ClientRef == "" {
		req.ClientRef = c.GetString("did")
	}
	resp, replayed, err := v.machine.Propose(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	v.signer.Respond(c, status, resp)
}

func (v *Verbs) Commit(c *gin.Context) {
	var req protocol.CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_did, proposal_id and payment_proof required", "code": "SCHEMA_INVALID"})
		return
	}
	resp, _, err := v.machine.Commit(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	v.signer.Respond(c, http.StatusOK, resp)
}

func (v *Verbs) Cancel(c *gin.Context) {
	var req protocol.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.ProposalID == "" && req.CommitmentID == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "proposal_id or commitment_id required", "code": "SCHEMA_INVALID"})
		return
	}
	resp, _, err := v.machine.Cancel(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	v.signer.Respond(c, http.StatusOK, resp)
}

func (v *Verbs) Task(c *gin.Context) {
	var req protocol.TaskCommitRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Legs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one leg required", "code": "SCHEMA_INVALID"})
		return
	}
	resp, err := v.machine.ExecuteTask(c.Request.Context(), req)
	if err != nil && !errors.Is(err, protocol.ErrPartialRollback) {
		fail(c, err)
		return
	}
	status := http.StatusOK
	switch resp.Status {
	case "rolled_back":
		status = http.StatusConflict
	case "partial_rollback_failure":
		status = http.StatusMultiStatus
	}
	v.signer.Respond(c, status, resp)
}
