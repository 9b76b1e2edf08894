package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dpalomar/voxline/internal/asset"
	"github.com/dpalomar/voxline/internal/config"
	"github.com/dpalomar/voxline/internal/httpapi"
	"github.com/dpalomar/voxline/internal/memory"
	"github.com/dpalomar/voxline/internal/oai"
	"github.com/dpalomar/voxline/internal/observability"
	"github.com/dpalomar/voxline/internal/session"
	"github.com/dpalomar/voxline/internal/twilio"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	transcripts, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer transcripts.Close()

	assets, err := asset.NewStore(cfg.AudioDir, cfg.PublicBaseURL()+"/audio", cfg.AssetTTL)
	if err != nil {
		log.Fatalf("asset store init failed: %v", err)
	}

	engines := oai.NewClient(oai.Options{
		APIKey:             cfg.OpenAIAPIKey,
		BaseURL:            cfg.OpenAIBaseURL,
		TranscribeModel:    cfg.TranscribeModel,
		TranscribeLanguage: cfg.TranscribeLanguage,
		ChatModel:          cfg.ChatModel,
		ChatMaxTokens:      cfg.ChatMaxTokens,
		ChatTemperature:    cfg.ChatTemperature,
		SystemPrompt:       cfg.SystemPrompt,
		TTSModel:           cfg.TTSModel,
		TTSVoice:           cfg.TTSVoice,
	}, assets, nil)

	playback := twilio.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioAPIBaseURL, nil, nil)

	settings := session.Settings{
		InputSampleRate:      cfg.InputSampleRate,
		TranscribeSampleRate: cfg.TranscribeSampleRate,
		ChunkThreshold:       cfg.ChunkThreshold,
		SilenceTimeout:       cfg.SilenceTimeout,
		MaxBuffer:            cfg.MaxBuffer,
		MinWordsPerChunk:     cfg.MinWordsPerChunk,
		TranscribeTimeout:    cfg.TranscribeTimeout,
		GenerateTimeout:      cfg.GenerateTimeout,
		SynthesizeTimeout:    cfg.SynthesizeTimeout,
		PlaybackTimeout:      cfg.PlaybackTimeout,
	}
	clients := session.Clients{
		Transcriber: engines,
		Replies:     engines,
		Synth:       engines,
		Playback:    playback,
	}
	calls := session.NewRegistry(settings, clients, transcripts, metrics, cfg.InputSampleRate, cfg.VADAggressiveness, nil)

	api := httpapi.New(cfg, calls, metrics, cfg.AudioDir, nil)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return assets.RunJanitor(gctx, cfg.AssetSweepInterval)
	})
	g.Go(func() error {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Printf("shutdown signal received")
	case <-gctx.Done():
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("run error: %v", err)
	}

	log.Printf("shutdown complete")
}
