package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/YahyaQandel/planning-poker/internal/ratelimit"
	"github.com/YahyaQandel/planning-poker/internal/util"
	"github.com/YahyaQandel/planning-poker/pkg/events"
	"github.com/YahyaQandel/planning-poker/pkg/queue"
	"github.com/YahyaQandel/planning-poker/pkg/storage"
	"github.com/YahyaQandel/planning-poker/pkg/store"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/app"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/config"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/hub"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/relay"
	"github.com/YahyaQandel/planning-poker/services/rooms/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("ROOMS_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, "rooms")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		util.Fatal("failed to open store", "driver", cfg.DatabaseDriver, "err", err)
	}
	defer st.Close()

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
	}

	h := hub.New(logger)
	var broadcaster app.Broadcaster = h
	var rel *relay.Relay
	if redisClient != nil {
		rel = relay.New(redisClient, h, relay.DefaultPrefix, logger)
		broadcaster = rel
	}

	observers := app.Observers{app.LogObserver{}, app.ActivityObserver{Store: st}}
	var publisher *events.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = events.Dial(cfg.AMQPURL, cfg.AMQPExchange, 0)
		if err != nil {
			util.Fatal("failed to connect to amqp", "err", err)
		}
		defer publisher.Close()
		observers = append(observers, app.EventObserver{Sink: publisher})
	}

	var archive app.Archiver
	if cfg.ArchiveEnabled() {
		objects, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			util.Fatal("failed to init object store", "err", err)
		}
		archive = storage.NewArchive(objects, 0)
	}

	rooms := app.NewService(app.Options{
		Store:       st,
		Broadcaster: broadcaster,
		Observer:    observers,
		Archive:     archive,
		Subscribers: h.Subscribers,
		IdleTTL:     cfg.RoomIdleTTLDuration,
		Logger:      logger,
	})

	var exports *queue.ArchiveQueue
	if cfg.ExportsEnabled() {
		exports, err = queue.NewArchiveQueue(redisClient, queue.Config{
			Stream:     cfg.ExportStream,
			Group:      "rooms-exporters",
			MaxRetries: cfg.ExportRetries,
			Logger:     logger,
		})
		if err != nil {
			util.Fatal("failed to init export queue", "err", err)
		}
	}

	createLimiter, actionLimiter, err := newLimiters(cfg, redisClient)
	if err != nil {
		util.Fatal("failed to init rate limiters", "err", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trusted proxies", "err", err)
	}

	serverCfg := server.Config{
		Rooms:          rooms,
		Hub:            h,
		Redis:          redisClient,
		CreateLimiter:  createLimiter,
		ActionLimiter:  actionLimiter,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: trusted,
	}
	if exports != nil {
		serverCfg.Exports = exports
	}
	httpServer, err := server.New(serverCfg)
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	if rel != nil {
		g.Go(func() error { return rel.Run(gctx) })
	}
	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
	}
	g.Go(func() error { return rooms.Arena().Run(gctx, cfg.ReapIntervalDuration) })
	if exports != nil {
		g.Go(func() error {
			return exports.Run(gctx, cfg.ExportWorkers, func(ctx context.Context, job queue.Job) (string, error) {
				archived, err := rooms.ArchiveRoom(ctx, job.RoomCode)
				return archived.Key, err
			})
		})
	}
	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "driver", cfg.DatabaseDriver, "relay", rel != nil, "archive", archive != nil, "exports", exports != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		return
	}
	logger.Info("server stopped")
}

func openStore(cfg config.FileConfig) (store.Store, error) {
	if cfg.DatabaseDriver == config.DriverMemory {
		return store.NewMemoryStore(), nil
	}
	return store.NewGormStore(cfg.DatabaseDriver, cfg.DatabaseURL)
}

// newLimiters returns Redis-backed limiters, or no limits without Redis.
func newLimiters(cfg config.FileConfig, client redis.UniversalClient) (ratelimit.Limiter, ratelimit.Limiter, error) {
	if client == nil {
		return ratelimit.AllowAll{}, ratelimit.AllowAll{}, nil
	}
	create, err := ratelimit.NewFixedWindowLimiter(client, "poker:ratelimit:create", cfg.CreateRoomLimit, cfg.CreateRoomWindowDuration)
	if err != nil {
		return nil, nil, err
	}
	action, err := ratelimit.NewFixedWindowLimiter(client, "poker:ratelimit:action", cfg.ActionLimit, cfg.ActionWindowDuration)
	if err != nil {
		return nil, nil, err
	}
	return create, action, nil
}
