package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/songless-rooms/internal/auth"
	"github.com/DoyleJ11/songless-rooms/internal/config"
	"github.com/DoyleJ11/songless-rooms/internal/httpapi"
	"github.com/DoyleJ11/songless-rooms/internal/hub"
	"github.com/DoyleJ11/songless-rooms/internal/logging"
	"github.com/DoyleJ11/songless-rooms/internal/presence"
	"github.com/DoyleJ11/songless-rooms/internal/relay"
	"github.com/DoyleJ11/songless-rooms/internal/rooms"
	"github.com/DoyleJ11/songless-rooms/internal/store"
	"github.com/DoyleJ11/songless-rooms/internal/store/migrations"
	"github.com/DoyleJ11/songless-rooms/internal/tracks"
	"github.com/DoyleJ11/songless-rooms/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server.exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) (err error) {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	if cfg.JWTSecret == config.DevJWTSecret {
		log.Warn("server.config.dev_jwt_secret")
	}

	st, ready, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if c, ok := st.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}

	tp, err := openTracks(cfg, log)
	if err != nil {
		return err
	}

	tracker, closeTracker, err := openPresence(ctx, cfg)
	if err != nil {
		return err
	}
	if closeTracker != nil {
		closers = append(closers, closeTracker)
	}

	h := hub.NewHub(ctx, tracker, log)
	closers = append(closers, func() error { h.Shutdown(); return nil })

	var pub interface {
		rooms.Publisher
		ws.PresencePublisher
	} = h
	if cfg.NATSURL != "" {
		nc, err := relay.Connect(relay.Options{URL: cfg.NATSURL, Name: "songless-rooms"}, log)
		if err != nil {
			return err
		}
		closers = append(closers, func() error { nc.Close(); return nil })
		rl, err := relay.New(nc, h, log)
		if err != nil {
			return err
		}
		closers = append(closers, rl.Close)
		pub = rl
		log.Info("server.relay.enabled", zap.String("node", rl.Node()))
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	svc := rooms.NewService(st, tp, pub, log)
	socket := ws.NewHandler(svc, h, pub, tracker, verifier, ws.Options{
		OriginPatterns:    originHosts(cfg.ClientOrigins),
		MessagesPerSecond: cfg.WS.MessagesPerSecond,
		Burst:             cfg.WS.Burst,
	}, log)

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Rooms:    svc,
			Verifier: verifier,
			Socket:   socket,
			Origins:  cfg.ClientOrigins,
			Ready:    ready,
			Log:      log,
		}),
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server.listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("server.shutdown")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, func(context.Context) error, error) {
	if cfg.DatabaseURL == "" {
		log.Info("server.store.memory")
		return store.NewMemoryStore(), nil, nil
	}
	if err := migrations.Up(ctx, cfg.DatabaseURL); err != nil {
		return nil, nil, err
	}
	pg, err := store.NewPostgresStore(cfg.DatabaseURL, store.PostgresOptions{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info("server.store.postgres")
	return pg, pg.Ping, nil
}

func openTracks(cfg *config.Config, log *zap.Logger) (tracks.Provider, error) {
	if cfg.Tracks.Provider == "deezer" {
		return tracks.NewDeezer(tracks.DeezerConfig{
			BaseURL:       cfg.Tracks.DeezerBaseURL,
			PlaylistID:    cfg.Tracks.PlaylistID,
			PlaylistQuery: cfg.Tracks.PlaylistQuery,
			CacheTTL:      cfg.Tracks.CacheTTL,
			Timeout:       cfg.Tracks.Timeout,
		}, log), nil
	}
	return tracks.NewDefaultStatic()
}

func openPresence(ctx context.Context, cfg *config.Config) (presence.Tracker, func() error, error) {
	if cfg.Presence.Backend != "redis" {
		return presence.NewMemory(), nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Presence.RedisAddr,
		Password: cfg.Presence.RedisPassword,
		DB:       cfg.Presence.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, multierr.Append(fmt.Errorf("ping redis: %w", err), client.Close())
	}
	return presence.NewRedis(client), client.Close, nil
}

// originHosts turns configured origins into websocket origin patterns.
// No origins means any origin, matching the CORS middleware.
func originHosts(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}
