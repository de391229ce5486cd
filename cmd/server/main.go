package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lokch777/EE3070-Design-Project/internal/asr"
	"github.com/Lokch777/EE3070-Design-Project/internal/bus"
	"github.com/Lokch777/EE3070-Design-Project/internal/capture"
	"github.com/Lokch777/EE3070-Design-Project/internal/config"
	"github.com/Lokch777/EE3070-Design-Project/internal/devicelink"
	"github.com/Lokch777/EE3070-Design-Project/internal/gate"
	"github.com/Lokch777/EE3070-Design-Project/internal/httpserver"
	"github.com/Lokch777/EE3070-Design-Project/internal/imagestore"
	"github.com/Lokch777/EE3070-Design-Project/internal/log"
	"github.com/Lokch777/EE3070-Design-Project/internal/playback"
	"github.com/Lokch777/EE3070-Design-Project/internal/session"
	"github.com/Lokch777/EE3070-Design-Project/internal/trigger"
	"github.com/Lokch777/EE3070-Design-Project/internal/tts"
	"github.com/Lokch777/EE3070-Design-Project/internal/vision"
)

func main() {
	log.Configure(log.Config{})
	logger := log.WithComponent("main")

	cfg := config.Load()

	b := bus.New(cfg.HistoryCapacity)
	g := gate.New(cfg.MinFreeMemoryPct)
	links := devicelink.NewRegistry()

	capt := capture.New(b, links, capture.Config{
		Timeout:       cfg.CaptureTimeout,
		MaxRetries:    cfg.CaptureRetries,
		MaxImageBytes: cfg.MaxImageBytes,
	})
	pb := playback.New(b, links, playback.Config{
		ChunkSize:       cfg.ChunkSize,
		CompleteTimeout: cfg.PlaybackTimeout,
	})

	engine := trigger.New(b, g, trigger.Config{
		Phrases:   cfg.TriggerPhrases,
		Threshold: cfg.FuzzyThreshold,
		Cooldown:  cfg.Cooldown,
	}, nil)

	analyzer := vision.NewStage(b, vision.NewQwenClient(cfg.VisionAPIKey, cfg.VisionModel, cfg.VisionEndpoint),
		vision.Config{Timeout: cfg.VisionTimeout, Retries: cfg.VisionRetries})

	var speaker session.Speaker
	if cfg.TTSAPIKey != "" {
		speaker = tts.NewStage(b, tts.NewDeepgramClient(cfg.TTSAPIKey, cfg.TTSModel, cfg.SampleRate),
			tts.Config{Timeout: cfg.TTSTimeout, Retries: cfg.TTSRetries})
	} else {
		logger.Warn().Msg("no TTS key configured, answers will not be spoken")
	}

	var archiver session.Archiver
	store, err := imagestore.New(imagestore.Config{
		Dir:            cfg.ImagesDir,
		SupabaseURL:    cfg.SupabaseURL,
		ServiceRoleKey: cfg.SupabaseKey,
		Bucket:         cfg.SupabaseBucket,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("image archive unavailable")
	} else {
		archiver = store
	}

	sessions := session.NewStore()
	orch := session.NewOrchestrator(b, g, capt, analyzer, speaker, pb, archiver, sessions,
		session.Config{Cooldown: cfg.Cooldown})

	newRecognizer := func(deviceID string) httpserver.Recognizer {
		return asr.NewBridge(b, deviceID, asr.Config{
			APIKey:     cfg.ASRAPIKey,
			Endpoint:   cfg.ASREndpoint,
			SampleRate: cfg.SampleRate,
		})
	}

	srv := httpserver.New(cfg, b, g, links, capt, pb, sessions, newRecognizer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, runCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		engine.Run(runCtx)
		return nil
	})
	eg.Go(func() error {
		err := orch.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		logger.Info().Str("address", cfg.HTTPAddress).Msg("server listening")
		err := srv.Start(cfg.HTTPAddress)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("shutdown complete")
}
