package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/farum-chat/internal/app/conversation"
	"github.com/PabloGalante/farum-chat/internal/app/enrichment"
	"github.com/PabloGalante/farum-chat/internal/app/retry"
	"github.com/PabloGalante/farum-chat/internal/app/state"
	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

// fakeCompletion plays one scripted stream per StreamTurn call; the last
// script repeats.
type fakeCompletion struct {
	mu      sync.Mutex
	calls   int
	scripts []iter.Seq2[string, error]
	edit    func() (*domain.EditResult, error)
}

func (f *fakeCompletion) StreamTurn(ctx context.Context, req domain.TurnRequest) iter.Seq2[string, error] {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := min(f.calls, len(f.scripts)-1)
	f.calls++
	return f.scripts[i]
}

func (f *fakeCompletion) EditOrGenerateImage(ctx context.Context, prompt string, image *domain.Attachment) (*domain.EditResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.edit()
}

func (f *fakeCompletion) SummarizeTitle(ctx context.Context, text string) (string, error) {
	return "", nil
}

func (f *fakeCompletion) RefineMemory(ctx context.Context, memory, userText, modelText string) (string, error) {
	return memory, nil
}

func (f *fakeCompletion) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fragments(parts ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, p := range parts {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func failAfter(err error, parts ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, p := range parts {
			if !yield(p, nil) {
				return
			}
		}
		yield("", err)
	}
}

type recordingEnricher struct {
	mu        sync.Mutex
	exchanges []enrichment.Exchange
}

func (r *recordingEnricher) Launch(ctx context.Context, ex enrichment.Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges = append(r.exchanges, ex)
}

type stopCounter struct{ n int }

func (c *stopCounter) Stop() { c.n++ }

type fixture struct {
	store    *state.Store
	llm      *fakeCompletion
	enricher *recordingEnricher
	svc      *conversation.Service
	session  domain.SessionID
}

func newFixture(t *testing.T, llm *fakeCompletion, opts ...conversation.Option) *fixture {
	t.Helper()

	metrics := observability.NewMetrics()
	store := state.New()
	retrier := retry.New(
		retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		retry.WithMetrics(metrics),
	)
	enricher := &recordingEnricher{}
	opts = append(opts, conversation.WithMetrics(metrics))

	return &fixture{
		store:    store,
		llm:      llm,
		enricher: enricher,
		svc:      conversation.NewService(llm, store, retrier, enricher, opts...),
		session:  store.CreateSession(),
	}
}

func TestStreamingTurnAppliesFragmentsInOrder(t *testing.T) {
	f := newFixture(t, &fakeCompletion{scripts: []iter.Seq2[string, error]{
		fragments("Hi", " there", "!"),
	}})

	var updates []string
	f.store.Subscribe(func(c state.Change) {
		if c.Kind == state.MessageUpdated && c.Message.Role == domain.RoleModel {
			updates = append(updates, c.Message.Text)
		}
	})

	out, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
		SessionID: f.session,
		Text:      "Hello",
	})
	require.NoError(t, err)
	require.NoError(t, out.Err)

	assert.Equal(t, []string{"Hi", "Hi there", "Hi there!"}, updates)
	assert.Equal(t, "Hi there!", out.ModelMessage.Text)

	session, ok := f.store.Session(f.session)
	require.True(t, ok)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, "Hello", session.Messages[0].Text)
	assert.Equal(t, "Hi there!", session.Messages[1].Text)
	assert.False(t, session.Messages[1].IsError())

	// finalized text can no longer change
	assert.False(t, f.store.UpdateMessageText(f.session, out.ModelMessage.ID, "x"))
	assert.False(t, f.store.Loading())
}

func TestStreamedTextIsConcatenationOfFragments(t *testing.T) {
	cases := [][]string{
		{"one"},
		{"", "a", "", "b"},
		{"multi ", "word ", "reply ", "with ", "spaces"},
		{},
	}
	for _, parts := range cases {
		f := newFixture(t, &fakeCompletion{scripts: []iter.Seq2[string, error]{fragments(parts...)}})

		out, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
			SessionID: f.session,
			Text:      "q",
		})
		require.NoError(t, err)

		want := ""
		for _, p := range parts {
			want += p
		}
		assert.Equal(t, want, out.ModelMessage.Text, "%q", parts)
	}
}

func TestStreamFailureBecomesErrorMessage(t *testing.T) {
	f := newFixture(t, &fakeCompletion{scripts: []iter.Seq2[string, error]{
		failAfter(errors.New("connection reset"), "Hi"),
	}})

	out, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
		SessionID: f.session,
		Text:      "Hello",
	})
	require.NoError(t, err)
	require.Error(t, out.Err)

	session, _ := f.store.Session(f.session)
	require.Len(t, session.Messages, 2)
	last := session.Messages[1]
	assert.True(t, last.IsError())
	assert.Equal(t, conversation.GeneralErrorText, last.Text)

	assert.Equal(t, 1, f.llm.Calls(), "failures after the first fragment are not retried")
	assert.False(t, f.store.Loading())
	assert.Empty(t, f.enricher.exchanges)
}

func TestRateLimitBeforeFirstFragmentIsRetried(t *testing.T) {
	f := newFixture(t, &fakeCompletion{scripts: []iter.Seq2[string, error]{
		failAfter(fmt.Errorf("quota: %w", domain.ErrRateLimited)),
		fragments("Hi", " there", "!"),
	}})

	out, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
		SessionID: f.session,
		Text:      "Hello",
	})
	require.NoError(t, err)
	require.NoError(t, out.Err)

	assert.Equal(t, 2, f.llm.Calls())
	assert.Equal(t, "Hi there!", out.ModelMessage.Text)
}

func TestRateLimitExhaustedShowsRateLimitText(t *testing.T) {
	f := newFixture(t, &fakeCompletion{scripts: []iter.Seq2[string, error]{
		failAfter(fmt.Errorf("quota: %w", domain.ErrRateLimited)),
	}})

	out, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
		SessionID: f.session,
		Text:      "Hello",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, f.llm.Calls())
	assert.ErrorIs(t, out.Err, domain.ErrRateLimited)
	assert.True(t, out.ModelMessage.IsError())
	assert.Equal(t, conversation.RateLimitedErrorText, out.ModelMessage.Text)
}

func TestMultimodalResultIsAppendedAtomically(t *testing.T) {
	edited := domain.Attachment{MIMEType: "image/png", Data: []byte{9, 9}}
	f := newFixture(t, &fakeCompletion{edit: func() (*domain.EditResult, error) {
		return &domain.EditResult{Text: " Done. ", Image: &edited}, nil
	}})

	var kinds []state.ChangeKind
	f.store.Subscribe(func(c state.Change) {
		if c.Message != nil && c.Message.Role == domain.RoleModel {
			kinds = append(kinds, c.Kind)
		}
	})

	out, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
		SessionID: f.session,
		Text:      "make it blue",
		Image:     &domain.Attachment{MIMEType: "image/jpeg", Data: []byte{1, 2, 3}},
	})
	require.NoError(t, err)
	require.NoError(t, out.Err)

	assert.Equal(t, []state.ChangeKind{state.MessageAppended}, kinds)
	assert.Equal(t, "Done.", out.ModelMessage.Text)
	img, ok := out.ModelMessage.Image()
	require.True(t, ok)
	assert.Equal(t, edited.Data, img.Data)

	userImg, ok := out.UserMessage.Image()
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", userImg.MIMEType)
}

func TestMultimodalEmptyResponseIsError(t *testing.T) {
	f := newFixture(t, &fakeCompletion{edit: func() (*domain.EditResult, error) {
		return &domain.EditResult{}, nil
	}})

	out, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
		SessionID: f.session,
		Image:     &domain.Attachment{MIMEType: "image/png", Data: []byte{1}},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, domain.ErrTransientService)
	assert.Equal(t, conversation.GeneralErrorText, out.ModelMessage.Text)
}

func TestEmptyInputIsRejected(t *testing.T) {
	f := newFixture(t, &fakeCompletion{scripts: []iter.Seq2[string, error]{fragments("x")}})

	_, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
		SessionID: f.session,
		Text:      "   ",
	})
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
	assert.Equal(t, 0, f.llm.Calls())
}

func TestUnknownSessionIsRejected(t *testing.T) {
	f := newFixture(t, &fakeCompletion{scripts: []iter.Seq2[string, error]{fragments("x")}})

	_, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
		SessionID: "missing",
		Text:      "hi",
	})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSecondTurnWhileInFlightIsRejected(t *testing.T) {
	release := make(chan struct{})
	blocking := func(yield func(string, error) bool) {
		<-release
		yield("done", nil)
	}
	f := newFixture(t, &fakeCompletion{scripts: []iter.Seq2[string, error]{blocking}})

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
			SessionID: f.session,
			Text:      "first",
		})
		done <- err
	}()

	require.Eventually(t, f.store.Loading, time.Second, time.Millisecond)

	_, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
		SessionID: f.session,
		Text:      "second",
	})
	assert.ErrorIs(t, err, domain.ErrTurnInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, f.store.Loading())
	assert.Equal(t, 2, f.store.MessageCount(f.session))
}

func TestEnrichmentMarksOnlyTheFirstExchange(t *testing.T) {
	f := newFixture(t, &fakeCompletion{scripts: []iter.Seq2[string, error]{fragments("ok")}})
	f.store.LoadMemory("- likes tea")

	for _, text := range []string{"plan my trip", "and the hotel"} {
		_, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
			SessionID: f.session,
			Text:      text,
		})
		require.NoError(t, err)
	}

	require.Len(t, f.enricher.exchanges, 2)
	first := f.enricher.exchanges[0]
	assert.True(t, first.FirstExchange)
	assert.Equal(t, "plan my trip", first.UserText)
	assert.Equal(t, "ok", first.ModelText)
	assert.Equal(t, "- likes tea", first.Memory)
	assert.False(t, f.enricher.exchanges[1].FirstExchange)
}

func TestSubmitPendingStopsCaptureAndConsumesInput(t *testing.T) {
	capture := &stopCounter{}
	f := newFixture(t,
		&fakeCompletion{scripts: []iter.Seq2[string, error]{fragments("sure")}},
		conversation.WithInputCapture(capture),
	)
	f.store.AppendInput("book a table")
	f.store.AppendInput("for two")

	out, err := f.svc.SubmitPending(context.Background(), nil)
	require.NoError(t, err)

	assert.Positive(t, capture.n)
	assert.Equal(t, "book a table for two", out.UserMessage.Text)
	assert.Empty(t, f.store.PendingInput())
}

func TestSubmitPendingWithEmptyBuffer(t *testing.T) {
	f := newFixture(t, &fakeCompletion{scripts: []iter.Seq2[string, error]{fragments("x")}})

	_, err := f.svc.SubmitPending(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
}

func TestFirstExchangeHoldsWhenNextTurnStartsImmediately(t *testing.T) {
	release := make(chan struct{})
	blocking := func(yield func(string, error) bool) {
		<-release
		yield("first reply", nil)
	}
	f := newFixture(t, &fakeCompletion{scripts: []iter.Seq2[string, error]{blocking, fragments("second reply")}})

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
			SessionID: f.session,
			Text:      "first",
		})
		done <- err
	}()
	require.Eventually(t, f.store.Loading, time.Second, time.Millisecond)

	// the second turn is admitted as soon as the guard is released
	second := make(chan error, 1)
	go func() {
		for {
			_, err := f.svc.SendMessage(context.Background(), conversation.SendMessageInput{
				SessionID: f.session,
				Text:      "second",
			})
			if !errors.Is(err, domain.ErrTurnInFlight) {
				second <- err
				return
			}
		}
	}()

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-second)

	f.enricher.mu.Lock()
	defer f.enricher.mu.Unlock()
	require.Len(t, f.enricher.exchanges, 2)
	for _, ex := range f.enricher.exchanges {
		assert.Equal(t, ex.UserText == "first", ex.FirstExchange, "exchange %q", ex.UserText)
	}
}

func TestSubmitPendingKeepsInputWhenSessionVanishes(t *testing.T) {
	release := make(chan struct{})
	blocking := func(yield func(string, error) bool) {
		<-release
		yield("too late", nil)
	}
	f := newFixture(t, &fakeCompletion{scripts: []iter.Seq2[string, error]{blocking}})
	f.store.AppendInput("call the dentist")

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.SubmitPending(context.Background(), nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.llm.Calls() == 1 }, time.Second, time.Millisecond)

	require.True(t, f.store.DeleteSession(f.session))
	close(release)

	assert.ErrorIs(t, <-done, domain.ErrSessionNotFound)
	assert.Equal(t, "call the dentist", f.store.PendingInput())
}
