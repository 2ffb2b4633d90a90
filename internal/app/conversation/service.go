package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/PabloGalante/farum-chat/internal/app/enrichment"
	"github.com/PabloGalante/farum-chat/internal/app/retry"
	"github.com/PabloGalante/farum-chat/internal/app/state"
	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

// User-facing texts of failed turns.
const (
	GeneralErrorText     = "Sorry, I ran into a problem answering that. Please try again."
	RateLimitedErrorText = "I'm receiving too many requests right now. Please wait a moment and try again."
)

// Enricher launches the background work that follows a successful turn.
type Enricher interface {
	Launch(ctx context.Context, ex enrichment.Exchange)
}

// InputCapture is stopped before a turn is submitted so no further
// transcript lands in the input buffer.
type InputCapture interface {
	Stop()
}

type Service struct {
	completion domain.CompletionService
	store      *state.Store
	retry      *retry.Controller
	enricher   Enricher
	capture    InputCapture
	metrics    *observability.Metrics
}

type Option func(*Service)

func WithInputCapture(c InputCapture) Option {
	return func(s *Service) { s.capture = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(
	completion domain.CompletionService,
	store *state.Store,
	retrier *retry.Controller,
	enricher Enricher,
	opts ...Option,
) *Service {
	s := &Service{
		completion: completion,
		store:      store,
		retry:      retrier,
		enricher:   enricher,
		metrics:    observability.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type SendMessageInput struct {
	SessionID domain.SessionID
	Text      string
	Image     *domain.Attachment // switches the turn to multimodal mode
}

type SendMessageOutput struct {
	UserMessage  *domain.Message
	ModelMessage *domain.Message

	// Err is the cause when ModelMessage is an error message.
	Err error
}

// SubmitPending sends the pending input buffer of the current session.
func (s *Service) SubmitPending(ctx context.Context, image *domain.Attachment) (*SendMessageOutput, error) {
	if s.capture != nil {
		s.capture.Stop()
	}

	id, ok := s.store.Current()
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if strings.TrimSpace(s.store.PendingInput()) == "" && image == nil {
		return nil, domain.ErrEmptyInput
	}
	text := s.store.TakeInput()
	out, err := s.SendMessage(ctx, SendMessageInput{
		SessionID: id,
		Text:      text,
		Image:     image,
	})
	if err != nil {
		// the turn did not run or its session is gone; keep the dictation
		s.store.SetInput(text)
	}
	return out, err
}

// SendMessage runs one primary turn. Completion failures do not surface as
// errors: they become an error message in the session and are reported in
// SendMessageOutput.Err. The returned error is reserved for turns that could
// not start.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (*SendMessageOutput, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Image == nil {
		return nil, domain.ErrEmptyInput
	}
	if s.capture != nil {
		s.capture.Stop()
	}

	mode := "text"
	if in.Image != nil {
		mode = "multimodal"
	}
	log := observability.LoggerFromContext(ctx).With(
		"session_id", in.SessionID,
		"mode", mode,
	)

	if err := s.store.BeginTurn(in.SessionID); err != nil {
		log.Warn("turn rejected", "error", err)
		return nil, err
	}
	s.metrics.TurnsInFlight.Inc()

	out, err := s.runTurn(ctx, in.SessionID, text, in.Image)
	// counted while the guard still excludes other turns on this session
	firstExchange := err == nil && s.store.MessageCount(in.SessionID) == 2

	s.store.EndTurn(in.SessionID)
	s.metrics.TurnsInFlight.Dec()

	switch {
	case err != nil:
		s.metrics.Turns.WithLabelValues(mode, "aborted").Inc()
		log.Warn("turn aborted", "error", err)
		return nil, err
	case out.Err != nil:
		s.metrics.Turns.WithLabelValues(mode, "failed").Inc()
		log.Error("turn failed", "error", out.Err)
		return out, nil
	}

	s.metrics.Turns.WithLabelValues(mode, "ok").Inc()
	log.Info("turn completed", "reply_length", len(out.ModelMessage.Text))

	if s.enricher != nil {
		memory, version := s.store.Memory()
		s.enricher.Launch(ctx, enrichment.Exchange{
			SessionID:     in.SessionID,
			UserText:      text,
			ModelText:     out.ModelMessage.Text,
			Memory:        memory,
			MemoryVersion: version,
			FirstExchange: firstExchange,
		})
	}
	return out, nil
}

func (s *Service) runTurn(ctx context.Context, id domain.SessionID, text string, image *domain.Attachment) (*SendMessageOutput, error) {
	session, ok := s.store.Session(id)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	history := session.Messages
	memory, _ := s.store.Memory()

	userMsg := &domain.Message{
		ID:        s.store.NewMessageID(),
		Role:      domain.RoleUser,
		Text:      text,
		CreatedAt: s.store.Now(),
		Content:   domain.Plain{},
	}
	if image != nil {
		userMsg.Content = domain.WithImage{Image: *image}
	}
	if !s.store.AppendMessage(id, userMsg) {
		return nil, domain.ErrSessionNotFound
	}

	var (
		r   reply
		err error
	)
	if image != nil {
		r, err = s.editImage(ctx, id, text, image)
	} else {
		r, err = s.streamReply(ctx, id, domain.TurnRequest{
			History: history,
			Text:    text,
			Model:   s.store.Model(),
			Memory:  memory,
		})
	}
	if err != nil {
		return nil, err
	}
	return &SendMessageOutput{UserMessage: userMsg, ModelMessage: r.msg, Err: r.cause}, nil
}

// reply is the model message of a turn and, for error messages, its cause.
type reply struct {
	msg   *domain.Message
	cause error
}

// streamReply applies fragments to a placeholder as they arrive. The
// returned error is non-nil only when the session vanished mid-turn.
func (s *Service) streamReply(ctx context.Context, id domain.SessionID, req domain.TurnRequest) (reply, error) {
	placeholder := &domain.Message{
		ID:        s.store.NewMessageID(),
		Role:      domain.RoleModel,
		CreatedAt: s.store.Now(),
		Content:   domain.Plain{},
	}
	if !s.store.AppendPlaceholder(id, placeholder) {
		return reply{}, domain.ErrSessionNotFound
	}

	var sb strings.Builder
	apply := func(fragment string) bool {
		sb.WriteString(fragment)
		s.metrics.StreamFragments.Inc()
		return s.store.UpdateMessageText(id, placeholder.ID, sb.String())
	}

	turnErr := s.consume(ctx, req, apply)
	if errors.Is(turnErr, domain.ErrSessionNotFound) {
		return reply{}, turnErr
	}

	if turnErr != nil {
		reason := ExplainFailure(turnErr)
		if !s.store.FailMessage(id, placeholder.ID, reason) {
			return reply{}, domain.ErrSessionNotFound
		}
		placeholder.Text = reason
		placeholder.Content = domain.Failed{Reason: reason}
		return reply{msg: placeholder, cause: turnErr}, nil
	}

	if !s.store.FinalizeMessage(id, placeholder.ID) {
		return reply{}, domain.ErrSessionNotFound
	}
	placeholder.Text = sb.String()
	return reply{msg: placeholder}, nil
}

// opened is a pulled stream whose first element has been read.
type opened struct {
	next  func() (string, error, bool)
	stop  func()
	first string
	ok    bool
}

// consume opens the stream under the retry policy and feeds every fragment
// to apply. Only failures before the first fragment are retried; a failure
// after that would duplicate text already shown.
func (s *Service) consume(ctx context.Context, req domain.TurnRequest, apply func(string) bool) error {
	stream, err := retry.Do(ctx, s.retry, "stream_turn", func(ctx context.Context) (*opened, error) {
		next, stop := iter.Pull2(s.completion.StreamTurn(ctx, req))
		first, err, ok := next()
		if err != nil {
			stop()
			return nil, err
		}
		return &opened{next: next, stop: stop, first: first, ok: ok}, nil
	})
	if err != nil {
		return err
	}
	defer stream.stop()

	if !stream.ok {
		return nil
	}
	if !apply(stream.first) {
		return domain.ErrSessionNotFound
	}
	for {
		fragment, err, ok := stream.next()
		if !ok {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream interrupted: %w", err)
		}
		if !apply(fragment) {
			return domain.ErrSessionNotFound
		}
	}
}

// editImage runs a multimodal request and appends its result atomically.
func (s *Service) editImage(ctx context.Context, id domain.SessionID, prompt string, image *domain.Attachment) (reply, error) {
	res, turnErr := retry.Do(ctx, s.retry, "edit_image", func(ctx context.Context) (*domain.EditResult, error) {
		return s.completion.EditOrGenerateImage(ctx, prompt, image)
	})
	if turnErr == nil && (res == nil || (strings.TrimSpace(res.Text) == "" && res.Image == nil)) {
		turnErr = fmt.Errorf("%w: empty response to image request", domain.ErrTransientService)
	}

	msg := &domain.Message{
		ID:        s.store.NewMessageID(),
		Role:      domain.RoleModel,
		CreatedAt: s.store.Now(),
		Content:   domain.Plain{},
	}
	if turnErr != nil {
		msg.Text = ExplainFailure(turnErr)
		msg.Content = domain.Failed{Reason: msg.Text}
	} else {
		msg.Text = strings.TrimSpace(res.Text)
		if res.Image != nil {
			msg.Content = domain.WithImage{Image: *res.Image}
		}
	}

	if !s.store.AppendMessage(id, msg) {
		return reply{}, domain.ErrSessionNotFound
	}
	return reply{msg: msg, cause: turnErr}, nil
}

// ExplainFailure maps a completion failure to the text shown to the user.
func ExplainFailure(err error) string {
	if errors.Is(err, domain.ErrRateLimited) || retry.IsRateLimited(err) {
		return RateLimitedErrorText
	}
	return GeneralErrorText
}
