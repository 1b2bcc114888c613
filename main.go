// Command signaling-server runs the room-scoped websocket signaling core: a
// pub/sub router with direct and moderator messaging, request/response
// correlation, and a relay channel for out-of-process media workers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomcast/signaling/internal/auth"
	"roomcast/signaling/internal/config"
	"roomcast/signaling/internal/gate"
	"roomcast/signaling/internal/httpapi"
	"roomcast/signaling/internal/journal"
	"roomcast/signaling/internal/logging"
	"roomcast/signaling/internal/router"
	"roomcast/signaling/internal/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Fatal("logger setup failed", logging.Error(err))
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Room metadata lives in Redis; without it the server still routes, it
	// just treats every room as open and unmoderated.
	var (
		backing    store.Store
		storeCheck func(context.Context) error
	)
	if redisStore, err := store.NewRedis(ctx, cfg); err != nil {
		logger.Warn("redis unavailable, room metadata disabled", logging.Error(err))
		backing = store.NewMemory()
	} else {
		defer redisStore.Close()
		backing = redisStore
		storeCheck = redisStore.Ping
	}
	rooms := store.NewRooms(backing, logger)

	var (
		jnl        *journal.Journal
		routerOpts []router.Option
		dumpSource httpapi.JournalSource
	)
	if cfg.JournalPath != "" {
		jnl, err = journal.New(cfg.JournalPath, nil)
		if err != nil {
			logger.Fatal("journal setup failed", logging.Error(err))
		}
		defer func() { _ = jnl.Close() }()
		routerOpts = append(routerOpts, router.WithRecorder(jnl))
		dumpSource = jnl
	}

	rt := router.New(cfg, logger, rooms, routerOpts...)

	var verifier auth.Verifier
	if cfg.TokenSecret != "" {
		hmacVerifier, err := auth.NewHMACVerifier(cfg.TokenSecret, cfg.TokenLeeway)
		if err != nil {
			logger.Fatal("verifier setup failed", logging.Error(err))
		}
		verifier = hmacVerifier
	} else {
		logger.Warn("token verification disabled, any peer id is admitted")
	}

	mux := http.NewServeMux()
	mux.Handle("/", gate.New(cfg, logger, rt, rooms, verifier))
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Router:      rt,
		Journal:     dumpSource,
		Activity:    httpapi.NewActivityReader(backing, nil),
		StoreCheck:  storeCheck,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.JournalDumpWindow, cfg.JournalDumpBurst, nil),
	})
	handlers.Register(mux)

	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("signaling server listening",
			logging.String("url", listenerURL(cfg.Address, tlsEnabled)))
		if tlsEnabled {
			serveErr <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", logging.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	// The router owns the hijacked websocket transports; closing it drains
	// every connection and watchdog.
	rt.Shutdown()
}
