package enrichment

import (
	"context"
	"fmt"
	"strings"

	"github.com/PabloGalante/farum-chat/internal/app/state"
	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

// MemoryRefiner asks the completion service to fold an exchange into the
// long-term memory.
type MemoryRefiner struct {
	completion  domain.CompletionService
	store       *state.Store
	persistence domain.Persistence
	userID      domain.UserID
}

func NewMemoryRefiner(
	completion domain.CompletionService,
	store *state.Store,
	persistence domain.Persistence,
	userID domain.UserID,
) *MemoryRefiner {
	return &MemoryRefiner{
		completion:  completion,
		store:       store,
		persistence: persistence,
		userID:      userID,
	}
}

func (t *MemoryRefiner) Name() string {
	return "memory_refiner"
}

// Run refines the memory snapshotted in ex. The result is applied only if
// no other refinement changed the memory in the meantime.
func (t *MemoryRefiner) Run(ctx context.Context, ex Exchange) error {
	if strings.TrimSpace(ex.ModelText) == "" {
		return nil
	}

	snapshot, version := ex.Memory, ex.MemoryVersion

	refined, err := t.completion.RefineMemory(ctx, snapshot, ex.UserText, ex.ModelText)
	if err != nil {
		return fmt.Errorf("refine memory: %w", err)
	}
	refined = strings.TrimSpace(refined)
	if refined == "" || refined == snapshot {
		return nil
	}

	log := observability.LoggerFromContext(ctx)
	if !t.store.ApplyMemory(refined, version) {
		log.Debug("dropping stale memory refinement", "snapshot_version", version)
		return nil
	}

	if t.persistence == nil {
		return nil
	}
	if err := t.persistence.SaveMemory(ctx, t.userID, refined); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	log.Info("memory updated", "length", len(refined))
	return nil
}
