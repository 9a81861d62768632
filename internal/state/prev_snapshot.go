package state

import (
	"context"

	"gate-rebalance-bot/internal/portfolio"

	"github.com/vmihailenco/msgpack/v5"
)

const PrevSnapshotKey = "engine:prev_snapshot"

// LoadPrevSnapshot restores the previous-cycle snapshot, the reference
// the cash-flow trigger diffs against. Absence is not an error: the
// first cycle after a fresh install simply has no previous snapshot.
func LoadPrevSnapshot(ctx context.Context, store Store) (portfolio.Snapshot, bool, error) {
	if store == nil {
		return portfolio.Snapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, PrevSnapshotKey)
	if err != nil {
		return portfolio.Snapshot{}, false, err
	}
	if !ok || len(raw) == 0 {
		return portfolio.Snapshot{}, false, nil
	}
	var snap portfolio.Snapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return portfolio.Snapshot{}, false, err
	}
	return snap, true, nil
}

func SavePrevSnapshot(ctx context.Context, store Store, snap portfolio.Snapshot) error {
	if store == nil {
		return nil
	}
	payload, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	return store.Set(ctx, PrevSnapshotKey, payload)
}
