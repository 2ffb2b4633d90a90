// Package persistence keeps durable storage in step with the state store and
// degrades what it saves when storage runs out of room.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

const (
	// StrippedMarker replaces an attachment dropped to save space.
	StrippedMarker = "[image removed to free up storage]"

	DefaultAttachmentLimit = 100 << 10

	// sessions kept by the last degradation stage
	keepRecent = 5
)

// Stage names the degradation step a save succeeded or failed at.
type Stage string

const (
	StageFull     Stage = "full"
	StageStripped Stage = "stripped"
	StageRecent   Stage = "recent"
)

// Saver writes the full session collection, degrading it on capacity errors.
type Saver struct {
	store           domain.Persistence
	attachmentLimit int
	metrics         *observability.Metrics
}

func NewSaver(store domain.Persistence, attachmentLimit int, metrics *observability.Metrics) *Saver {
	if attachmentLimit <= 0 {
		attachmentLimit = DefaultAttachmentLimit
	}
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}
	return &Saver{store: store, attachmentLimit: attachmentLimit, metrics: metrics}
}

// Save persists sessions and returns the stage that succeeded. sessions is
// never modified. When every stage is rejected the error wraps
// domain.ErrSaveAbandoned and the previously stored snapshot is left as is.
func (s *Saver) Save(ctx context.Context, userID domain.UserID, sessions []*domain.ChatSession) (Stage, error) {
	log := observability.LoggerFromContext(ctx).With("user_id", userID, "sessions", len(sessions))

	stages := []struct {
		stage   Stage
		prepare func([]*domain.ChatSession) []*domain.ChatSession
	}{
		{StageFull, func(in []*domain.ChatSession) []*domain.ChatSession { return in }},
		{StageStripped, func(in []*domain.ChatSession) []*domain.ChatSession {
			return StripAttachments(in, s.attachmentLimit)
		}},
		{StageRecent, func(in []*domain.ChatSession) []*domain.ChatSession {
			return MostRecent(in, keepRecent)
		}},
	}

	payload := sessions
	var (
		lastErr error
		reached Stage
	)
	for _, st := range stages {
		if st.stage == StageRecent && len(payload) <= keepRecent {
			// trimming would resend the payload just rejected
			break
		}
		payload = st.prepare(payload)
		reached = st.stage

		err := s.store.SaveSessions(ctx, userID, payload)
		if err == nil {
			s.metrics.PersistSaves.WithLabelValues(string(st.stage), "ok").Inc()
			if st.stage != StageFull {
				log.Warn("sessions saved degraded", "stage", st.stage, "saved", len(payload))
			}
			return st.stage, nil
		}
		if !errors.Is(err, domain.ErrStorageCapacityExceeded) {
			s.metrics.PersistSaves.WithLabelValues(string(st.stage), "error").Inc()
			return st.stage, fmt.Errorf("save sessions: %w", err)
		}

		s.metrics.PersistSaves.WithLabelValues(string(st.stage), "capacity").Inc()
		log.Info("storage capacity exceeded", "stage", st.stage)
		lastErr = err
	}

	log.Error("abandoning save", "error", lastErr)
	return reached, fmt.Errorf("%w: %w", domain.ErrSaveAbandoned, lastErr)
}

// StripAttachments returns copies of sessions in which every attachment
// larger than limit bytes is replaced by StrippedMarker.
func StripAttachments(sessions []*domain.ChatSession, limit int) []*domain.ChatSession {
	out := make([]*domain.ChatSession, len(sessions))
	for i, cs := range sessions {
		c := cs.Clone()
		for j, m := range c.Messages {
			c.Messages[j] = StripMessage(m, limit)
		}
		out[i] = c
	}
	return out
}

// StripMessage returns m, or a copy of it without an oversized attachment.
func StripMessage(m *domain.Message, limit int) *domain.Message {
	img, ok := m.Image()
	if !ok || len(img.Data) <= limit {
		return m
	}
	c := m.Clone()
	c.Content = domain.WithImage{Image: domain.Attachment{MIMEType: img.MIMEType, Placeholder: StrippedMarker}}
	return c
}

// MostRecent returns the n sessions with the latest creation times, keeping
// their relative order.
func MostRecent(sessions []*domain.ChatSession, n int) []*domain.ChatSession {
	if len(sessions) <= n {
		return sessions
	}
	idx := make([]int, len(sessions))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return sessions[b].CreatedAt.Compare(sessions[a].CreatedAt)
	})
	keep := idx[:n]
	slices.Sort(keep)

	out := make([]*domain.ChatSession, 0, n)
	for _, i := range keep {
		out = append(out, sessions[i])
	}
	return out
}
