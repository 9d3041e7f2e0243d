package maintainer

import (
	"context"
	"fmt"

	"github.com/notectx/notectx-mcp/internal/embedder"
	"github.com/notectx/notectx-mcp/internal/scheduler"
)

// SwitchModel activates a different embedding model. The pool is drained
// first so no in-flight request straddles the switch; the shard activation
// is transactional, so a failed switch leaves the previous model active.
// The new shard starts empty and is backfilled on the bulk lane, and the
// previous shard is retained until pruned so switching back is free.
func (m *Maintainer) SwitchModel(ctx context.Context, modelID string) (embedder.ModelSpec, error) {
	spec, err := embedder.LookupModel(modelID)
	if err != nil {
		return embedder.ModelSpec{}, err
	}

	current := m.activeModel()
	if current.ID == spec.ID {
		return spec, nil
	}

	err = m.pool.Configure(ctx, func(report func(scheduler.Progress)) error {
		report(scheduler.Progress{Status: scheduler.StatusInitiate, File: spec.ID})

		// Probing the backend first means an unavailable model never
		// deactivates the working shard.
		backend, err := embedder.NewForModel(m.cfg, modelID)
		if err != nil {
			return fmt.Errorf("model %s unavailable: %w", modelID, err)
		}
		report(scheduler.Progress{Status: scheduler.StatusReady, File: backend.Artifact()})

		if err := m.store.SetActiveShard(ctx, spec.ID, spec.Dimension); err != nil {
			_ = backend.Close()
			return err
		}

		m.pool.SwapEmbedder(backend)
		m.setModel(spec)
		m.search.SetModel(spec)
		m.search.InvalidateCache()

		report(scheduler.Progress{Status: scheduler.StatusDone, File: spec.ID})
		return nil
	})
	if err != nil {
		return embedder.ModelSpec{}, err
	}

	scheduled, err := m.sweepStale(ctx)
	if err != nil {
		m.logger.Printf("maintainer: backfill after switch to %s: %v", spec.ID, err)
	} else {
		m.logger.Printf("maintainer: switched to %s, %d notes queued for embedding", spec.ID, scheduled)
	}

	return spec, nil
}

// HealShardMismatch re-dimensions the active model's shard to the catalog
// dimension and queues re-embedding for every note. The index is derived
// state, so a shard that disagrees with the active model is rebuilt rather
// than surfaced to the caller.
func (m *Maintainer) HealShardMismatch(ctx context.Context) error {
	spec := m.activeModel()
	if err := m.store.ResetShard(ctx, spec.ID, spec.Dimension); err != nil {
		return fmt.Errorf("reset shard %s: %w", spec.ID, err)
	}
	m.search.InvalidateCache()

	scheduled, err := m.sweepStale(ctx)
	if err != nil {
		return err
	}
	m.logger.Printf("maintainer: shard %s reset to %d dims, %d notes queued for embedding",
		spec.ID, spec.Dimension, scheduled)
	return nil
}

func (m *Maintainer) setModel(spec embedder.ModelSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = spec
}
