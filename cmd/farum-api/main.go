package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PabloGalante/farum-chat/internal/adapters/audio"
	otoaudio "github.com/PabloGalante/farum-chat/internal/adapters/audio/oto"
	httpadapter "github.com/PabloGalante/farum-chat/internal/adapters/http"
	"github.com/PabloGalante/farum-chat/internal/adapters/llm"
	"github.com/PabloGalante/farum-chat/internal/adapters/recognition/wsbridge"
	"github.com/PabloGalante/farum-chat/internal/adapters/storage/boltdb"
	firestorestore "github.com/PabloGalante/farum-chat/internal/adapters/storage/firestore"
	memstore "github.com/PabloGalante/farum-chat/internal/adapters/storage/memory"
	"github.com/PabloGalante/farum-chat/internal/adapters/storage/postgres"
	"github.com/PabloGalante/farum-chat/internal/app/conversation"
	"github.com/PabloGalante/farum-chat/internal/app/enrichment"
	"github.com/PabloGalante/farum-chat/internal/app/persistence"
	"github.com/PabloGalante/farum-chat/internal/app/retry"
	"github.com/PabloGalante/farum-chat/internal/app/speech"
	"github.com/PabloGalante/farum-chat/internal/app/state"
	"github.com/PabloGalante/farum-chat/internal/app/voice"
	"github.com/PabloGalante/farum-chat/internal/config"
	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.Logger().Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	observability.Init(os.Stdout, cfg.LogLevel)
	log := observability.Logger()

	if err := run(cfg); err != nil {
		log.Error("farum-api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := observability.Logger()
	metrics := observability.DefaultMetrics()
	userID := domain.UserID(cfg.UserID)

	completion, speechSvc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	store := state.New()
	if v, ok := domain.ParseModelVariant(cfg.ModelName); ok {
		store.SelectModel(v)
	} else {
		log.Warn("unknown model, keeping default", "model", cfg.ModelName, "default", store.Model())
	}
	hydrate(ctx, store, backend, userID)

	mode, err := persistence.ParseMode(cfg.PersistMode)
	if err != nil {
		return err
	}
	persister := persistence.NewPersister(store, backend, userID, mode,
		persistence.WithAttachmentLimit(cfg.AttachmentLimitBytes),
		persistence.WithMetrics(metrics),
	)
	persister.Start(ctx)
	defer persister.Close()

	if _, ok := store.Current(); !ok {
		store.CreateSession()
	}

	retrier := retry.New(retry.DefaultPolicy(), retry.WithMetrics(metrics))

	runner := enrichment.NewDefaultRunner(completion, store, backend, userID)
	defer runner.Wait()

	bridge := wsbridge.New()
	machine := voice.New(bridge, store, voice.WithMetrics(metrics))
	defer machine.Close()

	conv := conversation.NewService(completion, store, retrier, runner,
		conversation.WithInputCapture(machine),
		conversation.WithMetrics(metrics),
	)

	player := speech.NewPlayer(func() (domain.AudioOutput, error) {
		if cfg.AudioOutput == "oto" {
			return otoaudio.Open(speech.SampleRate)
		}
		return audio.NewDiscard(nil), nil
	}, metrics)

	handler := httpadapter.NewServer(httpadapter.Deps{
		Store:        store,
		Conversation: conv,
		Voice:        machine,
		Speech:       speech.NewSynthesizer(speechSvc, retrier),
		Player:       player,
		Recognition:  bridge,
		Metrics:      metrics,
		RateLimit:    cfg.RateLimit,
		RateBurst:    cfg.RateBurst,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("farum api listening",
			"port", cfg.Port,
			"llm", cfg.LLMBackend,
			"storage", cfg.StorageBackend,
			"persist_mode", mode,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newServices(ctx context.Context, cfg *config.Config) (domain.CompletionService, domain.SpeechService, error) {
	log := observability.Logger()
	if cfg.LLMBackend == "mock" {
		log.Info("using mock completion and speech services")
		return llm.NewMockLLM(), llm.NewMockSpeech(), nil
	}

	log.Info("using genai services", "backend", cfg.LLMBackend, "model", cfg.ModelName)
	client, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
		Backend:    cfg.LLMBackend,
		APIKey:     cfg.GeminiAPIKey,
		Project:    cfg.GCPProjectID,
		Location:   cfg.GCPLocation,
		ImageModel: cfg.ImageModel,
		TTSModel:   cfg.TTSModel,
		TTSVoice:   cfg.TTSVoice,
	})
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (domain.Persistence, func(), error) {
	log := observability.Logger()

	switch cfg.StorageBackend {
	case "bolt":
		log.Info("using bolt storage", "path", cfg.BoltPath)
		s, err := boltdb.Open(cfg.BoltPath, cfg.StorageQuotaBytes)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case "firestore":
		log.Info("using firestore storage", "project", cfg.GCPProjectID)
		s, err := firestorestore.NewStore(ctx, cfg.GCPProjectID)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case "postgres":
		log.Info("using postgres storage")
		s, err := postgres.Open(ctx, cfg.PostgresURL, cfg.StorageQuotaBytes)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	default:
		log.Info("using in-memory storage", "quota_bytes", cfg.StorageQuotaBytes)
		return memstore.NewStore(cfg.StorageQuotaBytes), func() {}, nil
	}
}

// hydrate loads the stored sessions and memory into the store. A failed load
// starts empty rather than refusing to serve.
func hydrate(ctx context.Context, store *state.Store, backend domain.Persistence, userID domain.UserID) {
	log := observability.WithFields("user_id", userID)

	sessions, err := backend.FetchSessions(ctx, userID)
	if err != nil {
		log.Error("loading sessions failed, starting empty", "error", err)
	} else {
		store.Hydrate(sessions)
		log.Info("sessions loaded", "count", len(sessions))
	}

	memory, err := backend.FetchMemory(ctx, userID)
	if err != nil {
		log.Error("loading memory failed", "error", err)
		return
	}
	store.LoadMemory(memory)
}
