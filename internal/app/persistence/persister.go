package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/PabloGalante/farum-chat/internal/app/state"
	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

// Mode selects how store changes reach the backend.
type Mode string

const (
	// ModeSnapshot saves the whole collection after changes, coalescing bursts.
	ModeSnapshot Mode = "snapshot"
	// ModeIncremental replays each change as a single-record write.
	ModeIncremental Mode = "incremental"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSnapshot, ModeIncremental:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown persist mode %q", s)
}

// Persister mirrors state store changes into a Persistence backend from a
// single background worker.
type Persister struct {
	store   *state.Store
	backend domain.Persistence
	saver   *Saver
	userID  domain.UserID
	mode    Mode
	limit   int
	metrics *observability.Metrics

	mu      sync.Mutex
	dirty   bool
	queue   []state.Change
	pending map[domain.MessageID]int // queue index of the latest write per message
	lastErr error

	wake    chan struct{}
	flush   chan chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

type Option func(*Persister)

func WithAttachmentLimit(n int) Option {
	return func(p *Persister) { p.limit = n }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Persister) { p.metrics = m }
}

func NewPersister(store *state.Store, backend domain.Persistence, userID domain.UserID, mode Mode, opts ...Option) *Persister {
	p := &Persister{
		store:   store,
		backend: backend,
		userID:  userID,
		mode:    mode,
		limit:   DefaultAttachmentLimit,
		metrics: observability.DefaultMetrics(),
		pending: make(map[domain.MessageID]int),
		wake:    make(chan struct{}, 1),
		flush:   make(chan chan struct{}),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.saver = NewSaver(backend, p.limit, p.metrics)
	return p
}

// Start subscribes to the store and runs the worker until Close.
func (p *Persister) Start(ctx context.Context) {
	p.store.Subscribe(p.observe)
	go p.run(context.WithoutCancel(ctx))
}

// observe runs under the store lock; it only records the change.
func (p *Persister) observe(c state.Change) {
	p.mu.Lock()
	switch p.mode {
	case ModeSnapshot:
		p.dirty = true
	case ModeIncremental:
		p.enqueueLocked(c)
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// enqueueLocked folds repeated writes of one message into a single entry.
func (p *Persister) enqueueLocked(c state.Change) {
	if c.Message != nil {
		if i, ok := p.pending[c.Message.ID]; ok {
			p.queue[i].Message = c.Message
			return
		}
		p.pending[c.Message.ID] = len(p.queue)
	}
	p.queue = append(p.queue, c)
}

// Flush blocks until every change observed before the call was handled.
func (p *Persister) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.flush <- done:
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close handles what is still queued and stops the worker.
func (p *Persister) Close() {
	p.once.Do(func() { close(p.stop) })
	<-p.stopped
}

// LastError is the outcome of the most recent write; nil after a success.
func (p *Persister) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Persister) run(ctx context.Context) {
	defer close(p.stopped)
	for {
		select {
		case <-p.wake:
			p.drain(ctx)
		case done := <-p.flush:
			p.drain(ctx)
			close(done)
		case <-p.stop:
			p.drain(ctx)
			return
		}
	}
}

func (p *Persister) drain(ctx context.Context) {
	switch p.mode {
	case ModeSnapshot:
		p.saveSnapshot(ctx)
	case ModeIncremental:
		p.replay(ctx)
	}
}

func (p *Persister) saveSnapshot(ctx context.Context) {
	p.mu.Lock()
	dirty := p.dirty
	p.dirty = false
	p.mu.Unlock()
	if dirty {
		p.saveCollection(ctx)
	}
}

func (p *Persister) saveCollection(ctx context.Context) {
	_, err := p.saver.Save(ctx, p.userID, p.store.Sessions())
	if err != nil {
		observability.LoggerFromContext(ctx).Error("persisting sessions failed", "error", err)
	}
	p.setErr(err)
}

func (p *Persister) replay(ctx context.Context) {
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	clear(p.pending)
	p.mu.Unlock()

	log := observability.LoggerFromContext(ctx)
	for _, c := range queue {
		err := p.apply(ctx, c)
		if errors.Is(err, domain.ErrStorageCapacityExceeded) {
			// The collection already holds the rest of the batch, so saving it
			// through the degradation stages supersedes the remaining writes.
			log.Warn("incremental write over capacity, saving degraded collection",
				"kind", c.Kind, "session_id", c.SessionID)
			p.saveCollection(ctx)
			return
		}
		if err != nil {
			p.metrics.PersistSaves.WithLabelValues("incremental", "error").Inc()
			log.Error("persisting change failed", "kind", c.Kind, "session_id", c.SessionID, "error", err)
		} else {
			p.metrics.PersistSaves.WithLabelValues("incremental", "ok").Inc()
		}
		p.setErr(err)
	}
}

func (p *Persister) apply(ctx context.Context, c state.Change) error {
	switch c.Kind {
	case state.SessionCreated:
		return p.backend.CreateSession(ctx, p.userID, c.Session)
	case state.SessionRenamed:
		return p.backend.RenameSession(ctx, p.userID, c.SessionID, c.Title)
	case state.SessionDeleted:
		return p.backend.DeleteSession(ctx, p.userID, c.SessionID)
	case state.MessageAppended, state.MessageUpdated:
		err := p.backend.SaveMessage(ctx, p.userID, c.SessionID, c.Message)
		if !errors.Is(err, domain.ErrStorageCapacityExceeded) {
			return err
		}
		stripped := StripMessage(c.Message, p.limit)
		if stripped == c.Message {
			return err
		}
		return p.backend.SaveMessage(ctx, p.userID, c.SessionID, stripped)
	}
	return nil
}

func (p *Persister) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err
}
