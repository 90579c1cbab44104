package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poros-protocol/poros-core/src/protocol"
	"github.com/poros-protocol/poros-core/src/types"
)

func liveProposal(id, agentDID, resKey string) *types.Proposal {
	expires := time.Now().UTC().Add(time.Minute)
	lk := agentDID + "|" + resKey
	return &types.Proposal{
		ID:             id,
		AgentDID:       agentDID,
		Action:         "book_room",
		State:          types.StateProposed,
		ReservationKey: resKey,
		LiveKey:        &lk,
		ExpiresAt:      &expires,
	}
}

// Two inserts for the same live hold can race in from different orchestrator
// instances; the store itself must reject the second one.
func TestCreateRejectsSecondLiveHold(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	first := liveProposal("p1", "did:poros:ed25519:agent", "room-204")
	require.NoError(t, st.Proposals().Create(ctx, first))

	second := liveProposal("p2", "did:poros:ed25519:agent", "room-204")
	require.ErrorIs(t, st.Proposals().Create(ctx, second), protocol.ErrInvalidState)

	// a different resource on the same agent is unaffected
	other := liveProposal("p3", "did:poros:ed25519:agent", "room-205")
	require.NoError(t, st.Proposals().Create(ctx, other))
}

func TestTerminalTransitionReleasesLiveHold(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	first := liveProposal("p1", "did:poros:ed25519:agent", "room-204")
	require.NoError(t, st.Proposals().Create(ctx, first))

	first.State = types.StateCancelled
	require.NoError(t, st.Proposals().Update(ctx, first, first.Version))
	require.Nil(t, first.LiveKey)

	held, err := st.Proposals().LiveByReservation(ctx, "did:poros:ed25519:agent", "room-204")
	require.NoError(t, err)
	require.Nil(t, held)

	// the released key is free for a new hold
	next := liveProposal("p2", "did:poros:ed25519:agent", "room-204")
	require.NoError(t, st.Proposals().Create(ctx, next))
}
