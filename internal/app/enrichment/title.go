package enrichment

import (
	"context"
	"fmt"
	"strings"

	"github.com/PabloGalante/farum-chat/internal/app/state"
	"github.com/PabloGalante/farum-chat/internal/domain"
)

// TitleSynthesizer names a session after its first exchange.
type TitleSynthesizer struct {
	completion domain.CompletionService
	store      *state.Store
}

func NewTitleSynthesizer(completion domain.CompletionService, store *state.Store) *TitleSynthesizer {
	return &TitleSynthesizer{completion: completion, store: store}
}

func (t *TitleSynthesizer) Name() string {
	return "title_synthesizer"
}

func (t *TitleSynthesizer) Run(ctx context.Context, ex Exchange) error {
	if !ex.FirstExchange || strings.TrimSpace(ex.UserText) == "" {
		return nil
	}

	title, err := t.completion.SummarizeTitle(ctx, ex.UserText)
	if err != nil {
		return fmt.Errorf("summarize title: %w", err)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}

	// No-op when the session was deleted meanwhile.
	t.store.RenameSession(ex.SessionID, title)
	return nil
}
