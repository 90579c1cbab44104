package txn

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/poros-protocol/poros-core/src/protocol"
	"github.com/poros-protocol/poros-core/src/types"
)

// RunSweeper expires overdue reservations on a fixed interval until the
// context is cancelled. Meant to run as a background goroutine from main.
func (m *Machine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.SweepExpired(ctx); n > 0 {
				log.Printf("txn: expired %d proposals", n)
			}
		}
	}
}

// SweepExpired transitions every overdue PROPOSED/RESERVED proposal to
// EXPIRED. Each transition goes through the version check, so a proposal
// committed between the list and the write is left alone; the sweep never
// overwrites a concurrent winner.
func (m *Machine) SweepExpired(ctx context.Context) int {
	props, err := m.store.Proposals().ListExpired(ctx, m.now().UTC())
	if err != nil {
		log.Printf("txn: sweep list: %v", err)
		return 0
	}
	n := 0
	for i := range props {
		p := props[i]
		fromVersion := p.Version
		p.State = types.StateExpired
		err := m.store.Proposals().Update(ctx, &p, fromVersion)
		switch {
		case err == nil:
			n++
		case errors.Is(err, protocol.ErrVersionConflict):
			// someone else transitioned it first; their write stands
		default:
			log.Printf("txn: sweep %s: %v", p.ID, err)
		}
	}
	return n
}
