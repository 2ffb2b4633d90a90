// Package enrichment runs the best-effort background tasks that follow a
// successful turn: long-term memory refinement and session title synthesis.
// Tasks are detached from the turn, write back only through the state store,
// and absorb their own failures.
package enrichment

import (
	"context"
	"sync"
	"time"

	"github.com/PabloGalante/farum-chat/internal/app/state"
	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

// Exchange is a finalized user/model pair.
type Exchange struct {
	SessionID domain.SessionID
	UserText  string
	ModelText string

	// Memory and MemoryVersion are the long-term memory snapshotted when the
	// exchange finished.
	Memory        string
	MemoryVersion uint64

	// FirstExchange is true when the session held exactly this pair right
	// after the turn finished.
	FirstExchange bool
}

// Task is one background enrichment step.
type Task interface {
	Name() string
	Run(ctx context.Context, ex Exchange) error
}

// Runner launches tasks in their own goroutines and tracks them for Wait.
type Runner struct {
	tasks []Task
	wg    sync.WaitGroup
}

// NewDefaultRunner builds the memory refiner and title synthesizer.
func NewDefaultRunner(
	completion domain.CompletionService,
	store *state.Store,
	persistence domain.Persistence,
	userID domain.UserID,
) *Runner {
	return NewRunner(
		NewMemoryRefiner(completion, store, persistence, userID),
		NewTitleSynthesizer(completion, store),
	)
}

func NewRunner(tasks ...Task) *Runner {
	return &Runner{tasks: tasks}
}

// Launch starts every task for ex and returns immediately. The tasks keep
// running when ctx is cancelled.
func (r *Runner) Launch(ctx context.Context, ex Exchange) {
	detached := context.WithoutCancel(ctx)
	log := observability.LoggerFromContext(ctx).With("session_id", ex.SessionID)

	for _, task := range r.tasks {
		r.wg.Add(1)
		go func(task Task) {
			defer r.wg.Done()

			start := time.Now()
			if err := task.Run(detached, ex); err != nil {
				log.Warn("enrichment task failed", "task", task.Name(), "error", err)
				return
			}
			log.Debug("enrichment task done", "task", task.Name(), "elapsed_ms", time.Since(start).Milliseconds())
		}(task)
	}
}

// Wait blocks until every launched task returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
