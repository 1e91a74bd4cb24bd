package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/continuity/internal/adapters/backend"
	router "github.com/dkeye/continuity/internal/adapters/http"
	"github.com/dkeye/continuity/internal/adapters/rtc"
	sig "github.com/dkeye/continuity/internal/adapters/signal"
	"github.com/dkeye/continuity/internal/app"
	"github.com/dkeye/continuity/internal/app/conn"
	"github.com/dkeye/continuity/internal/app/orch"
	"github.com/dkeye/continuity/internal/config"
	"github.com/dkeye/continuity/internal/core"
	"github.com/dkeye/continuity/internal/core/chunk"
	"github.com/dkeye/continuity/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	self := domain.Identity(cfg.Identity.Self)
	if err := self.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid identity.self")
	}

	var (
		machine *conn.Machine
		o       *orch.Orchestrator
	)
	participant := func() core.Participant { return o.Participant() }
	onDisconnect := func(r domain.DisconnectReason) { machine.OnTransportDisconnected(r) }

	dialer := &sig.Dialer{
		URL:      cfg.Transport.SignalURL,
		Identity: self,
		Token:    cfg.Transport.Token,
		OnFrame:  func(src core.Transport, b []byte) { o.HandleFrame(src, b) },
		OnClose:  onDisconnect,
	}
	var est core.Establisher = dialer
	if cfg.Transport.Media {
		est = &rtc.Establisher{
			Signal:       dialer,
			Config:       rtc.DefaultWebRTCConfig(cfg.Transport.ICEServers),
			OnLevel:      func(v float32) { o.RecordLevel(v) },
			OnDisconnect: onDisconnect,
		}
	}

	reg := app.NewRegistry(cfg.Sessions.Track)
	enc := newEncoder(cfg.Backend, participant)
	client := backend.NewClient(cfg.Backend.URL, cfg.Backend.Timeout, enc, reg)

	o = orch.New(reg, client, est, self, domain.Identity(cfg.Identity.Owner))
	o.SetRoom(domain.RoomContext{Label: domain.RoomName(cfg.Identity.Room), Participants: 1})

	machine = conn.NewMachine(conn.Config{
		MaxAttempts:    cfg.Reconnect.MaxAttempts,
		BaseDelay:      cfg.Reconnect.BaseDelay,
		MaxDelay:       cfg.Reconnect.MaxDelay,
		DeviceDebounce: cfg.Reconnect.DeviceDebounce,
	}, o)
	events, unsubscribe := machine.Subscribe()
	defer unsubscribe()

	outbox := chunk.NewOutbox(chunk.Splitter{Threshold: cfg.Chunk.Threshold}, o.Send, cfg.Chunk.Debounce, cfg.Chunk.Queue)

	g, gctx := errgroup.WithContext(ctx)

	r := router.SetupRouter(gctx, cfg, router.Deps{Machine: machine, Orch: o, Registry: reg, Outbox: outbox, Encoder: enc})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g.Go(func() error {
		outbox.Run(gctx)
		return nil
	})
	g.Go(func() error {
		o.Watch(gctx, events)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("continuity server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := machine.Connect(gctx); err != nil {
			log.Error().Err(err).Msg("initial connect failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		machine.Dispose()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func newEncoder(cfg config.BackendConfig, participant func() core.Participant) core.Encoder {
	var enc core.Encoder
	switch strings.ToLower(cfg.Family) {
	case "b":
		enc = backend.NewChannelEncoder(cfg.Name, cfg.Namespace, participant)
	default:
		enc = backend.NewHeaderBodyEncoder(cfg.Name)
	}
	if cfg.MetadataHeaders {
		enc = backend.WithMetadata{
			Encoder:     enc,
			Overlay:     backend.MetadataOverlay{Backend: cfg.Name},
			Participant: participant,
		}
	}
	return enc
}
