package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-check1B/telephony-core/internal/api"
	"github.com/m-check1B/telephony-core/internal/config"
	"github.com/m-check1B/telephony-core/internal/mediastream"
	"github.com/m-check1B/telephony-core/internal/storage/sqlite"
	"github.com/m-check1B/telephony-core/internal/telephony"
	"github.com/m-check1B/telephony-core/internal/telephony/telnyx"
	"github.com/m-check1B/telephony-core/internal/telephony/twilio"
	"github.com/m-check1B/telephony-core/internal/webhook"
	"github.com/m-check1B/telephony-core/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting telephony-core server",
		logger.String("version", Version),
		logger.String("provider", cfg.Telephony.Provider),
	)

	// Create call storage
	callStorage, err := sqlite.NewCallStorage(cfg.Storage.SQLitePath, log)
	if err != nil {
		log.Error("Failed to create call storage", logger.Error(err))
		os.Exit(1)
	}
	defer callStorage.Close()
	log.Info("Using SQLite call storage", logger.String("path", cfg.Storage.SQLitePath))

	// Create the vendor adapter
	telephonyCfg := *cfg.TelephonyConfig()
	var provider telephony.Provider
	switch telephonyCfg.Provider {
	case telephony.ProviderTwilio:
		provider, err = twilio.New(telephonyCfg, log)
	case telephony.ProviderTelnyx:
		provider, err = telnyx.New(telephonyCfg, log)
	default:
		log.Error("Unknown telephony provider", logger.String("provider", cfg.Telephony.Provider))
		os.Exit(1)
	}
	if err != nil {
		log.Error("Failed to create telephony adapter", logger.Error(err))
		os.Exit(1)
	}

	// Create webhook normalizer and API handler
	normalizer := webhook.NewNormalizer(log)
	handler := api.NewHandler(provider, normalizer, callStorage, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Drain media stream events. Audio consumers (agent bridges etc.)
	// replace this observer via SetStreamObserver.
	handler.SetStreamObserver(func(stream *mediastream.Handler) {
		go drainStreamEvents(ctx, stream, log)
	})

	// Create API router
	router := api.NewRouter(handler, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", addr), logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Cancel the main context so stream event drains stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	} else {
		log.Info("HTTP server shutdown complete")
	}

	log.Info("Server fully stopped")
}

// drainStreamEvents consumes media stream events so the stream's event
// channel never backs up, logging the ones operators care about.
func drainStreamEvents(ctx context.Context, stream *mediastream.Handler, log *logger.Logger) {
	log = log.Named("stream-events")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream.Events():
			if !ok {
				return
			}
			switch event.Type {
			case mediastream.EventStreamStarted:
				log.Info("Stream started",
					logger.String("call_sid", stream.Config().CallSID),
					logger.String("stream_sid", stream.Config().StreamSID))
			case mediastream.EventPacketLoss:
				log.Warn("Media packet loss",
					logger.String("call_sid", stream.Config().CallSID),
					logger.Int("expected_seq", event.ExpectedSeq),
					logger.Int("received_seq", event.ReceivedSeq))
			case mediastream.EventStreamStopped:
				log.Info("Stream stopped",
					logger.String("call_sid", stream.Config().CallSID))
			}
		}
	}
}
