package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/zoomlite/backend/config"
	"github.com/adwski/zoomlite/backend/metrics"
	httpServer "github.com/adwski/zoomlite/backend/server/http"
	socketioServer "github.com/adwski/zoomlite/backend/server/socketio"
	websocketServer "github.com/adwski/zoomlite/backend/server/websocket"
	"github.com/adwski/zoomlite/backend/service"
	store "github.com/adwski/zoomlite/backend/storage/memory"
	sw "github.com/adwski/zoomlite/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	m := metrics.New()
	svc := service.NewService(service.Config{
		Switch:      sw.NewSwitch(&logger),
		Rooms:       store.NewRoomStore(),
		Presence:    store.NewPresenceStore(),
		Invitations: store.NewInvitationStore(cfg.CallTimeout),
		Metrics:     m,
		Logger:      &logger,
	})
	sioSrv := socketioServer.NewServer(socketioServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		SendBuffer:       cfg.SendBuffer,
		CORSOrigins:      cfg.CORSOrigins,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		RelayService:   svc,
		ListenAddr:     cfg.ListenAddr,
		Metrics:        m.Handler(),
		SocketIO:       sioSrv.Handler(),
		StaticDir:      cfg.StaticDir,
		CORSOrigins:    cfg.CORSOrigins,
		DebugEndpoints: cfg.DebugEndpoints,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.WSListenAddr,
		SendBuffer:       cfg.SendBuffer,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	logger.Info().
		Dur("callTimeout", cfg.CallTimeout).
		Int("sendBuffer", cfg.SendBuffer).
		Bool("debugEndpoints", cfg.DebugEndpoints).
		Msg("zoomlite relay is up")

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	sioSrv.Close()
	wg.Wait()
}
