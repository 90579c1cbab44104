package txn

import (
	"context"
	"fmt"
	"log"

	"github.com/poros-protocol/poros-core/src/protocol"
)

// Task statuses
const (
	TaskCommitted       = "committed"
	TaskRolledBack      = "rolled_back"
	TaskPartialRollback = "partial_rollback_failure"
)

// ExecuteTask commits the legs of a multi-agent task in order. If any leg
// fails, the already-committed legs are cancelled in strict reverse commit
// order. Rollback is best-effort, not atomic: a leg whose cancellation fails
// is reported as rollback_failed and the remaining legs are still unwound.
// The partial-failure outcome is always surfaced, never masked as full
// success or full failure.
func (m *Machine) ExecuteTask(ctx context.Context, req protocol.TaskCommitRequest) (*protocol.TaskCommitResponse, error) {
	if len(req.Legs) == 0 {
		return nil, fmt.Errorf("%w: task needs at least one leg", protocol.ErrSchemaInvalid)
	}

	results := make([]protocol.TaskLegResult, len(req.Legs))
	committed := -1 // index of the last successfully committed leg

	for i, leg := range req.Legs {
		prop, err := m.store.Proposals().Get(ctx, leg.ProposalID)
		if err != nil {
			results[i] = protocol.TaskLegResult{ProposalID: leg.ProposalID, Status: "failed", Error: err.Error()}
			break
		}
		commitReq := protocol.CommitRequest{
			AgentDID:     prop.AgentDID,
			ProposalID:   leg.ProposalID,
			PaymentProof: leg.PaymentProof,
		}
		if req.IdempotencyKey != "" {
			commitReq.IdempotencyKey = fmt.Sprintf("%s#%d", req.IdempotencyKey, i)
		}
		resp, _, err := m.Commit(ctx, commitReq)
		if err != nil {
			results[i] = protocol.TaskLegResult{ProposalID: leg.ProposalID, Status: "failed", Error: err.Error()}
			break
		}
		if resp.Status != "confirmed" {
			results[i] = protocol.TaskLegResult{ProposalID: leg.ProposalID, Status: "failed", Error: "agent declined commit"}
			break
		}
		results[i] = protocol.TaskLegResult{ProposalID: leg.ProposalID, Status: "committed", CommitmentID: resp.CommitmentID}
		committed = i
	}

	if committed == len(req.Legs)-1 {
		return &protocol.TaskCommitResponse{Status: TaskCommitted, Legs: results}, nil
	}

	// unwind in reverse commit order
	rollbackFailed := false
	for i := committed; i >= 0; i-- {
		cancelReq := protocol.CancelRequest{
			ProposalID: results[i].ProposalID,
			Reason:     "task rollback",
		}
		if req.IdempotencyKey != "" {
			cancelReq.IdempotencyKey = fmt.Sprintf("%s#rollback#%d", req.IdempotencyKey, i)
		}
		if _, _, err := m.Cancel(ctx, cancelReq); err != nil {
			log.Printf("txn: task rollback of %s failed: %v", results[i].ProposalID, err)
			results[i].Status = "rollback_failed"
			results[i].Error = err.Error()
			rollbackFailed = true
			continue
		}
		results[i].Status = "rolled_back"
	}

	status := TaskRolledBack
	var err error
	if rollbackFailed {
		status = TaskPartialRollback
		err = protocol.ErrPartialRollback
	}
	return &protocol.TaskCommitResponse{Status: status, Legs: results}, err
}
