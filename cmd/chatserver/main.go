// Command chatserver runs the moderated chat WebSocket server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pprasoon1/safe-chat/internal/api"
	"github.com/pprasoon1/safe-chat/internal/broadcast"
	"github.com/pprasoon1/safe-chat/internal/chat"
	"github.com/pprasoon1/safe-chat/internal/config"
	"github.com/pprasoon1/safe-chat/internal/identity"
	"github.com/pprasoon1/safe-chat/internal/logging"
	"github.com/pprasoon1/safe-chat/internal/messaging"
	"github.com/pprasoon1/safe-chat/internal/metrics"
	"github.com/pprasoon1/safe-chat/internal/moderation"
	"github.com/pprasoon1/safe-chat/internal/presence"
	"github.com/pprasoon1/safe-chat/internal/ratelimit"
	"github.com/pprasoon1/safe-chat/internal/room"
	"github.com/pprasoon1/safe-chat/internal/session"
	"github.com/pprasoon1/safe-chat/internal/storage"
	"github.com/pprasoon1/safe-chat/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logging.L().Error().Err(err).Msg("chatserver exited")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "chatserver"})
	log := logging.L().With().Str(logging.FieldServer, cfg.Server.Name).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	if cfg.Database.Migrate {
		if err := storage.Migrate(cfg.Database.URL); err != nil {
			return err
		}
	}
	db, err := storage.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	// --- Redis ---
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Address, err)
		}
	}

	// --- Presence ---
	var registry presence.Registry
	var sweeper *presence.Redis
	switch cfg.Presence.Backend {
	case config.BackendRedis:
		sweeper = presence.NewRedis(rdb, cfg.Server.Name)
		registry = sweeper
	default:
		registry = presence.NewMemory()
	}

	// --- Broadcast ---
	var bus broadcast.Broadcaster
	switch cfg.Broadcast.Backend {
	case config.BackendNATS:
		natsClient, err := messaging.NewNATSClient(messaging.NATSConfig{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name + "-" + cfg.Server.Name,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
		})
		if err != nil {
			return err
		}
		defer natsClient.Close()

		nb, err := broadcast.NewNATS(natsClient)
		if err != nil {
			return err
		}
		defer nb.Close()
		bus = nb
	default:
		bus = broadcast.NewLocal()
	}

	// --- Moderation ---
	pipeline := moderation.NewPipeline(
		moderation.NewHTTPClassifier(cfg.Classifier.URL, cfg.Classifier.Timeout),
		moderation.NewRisk(),
		db,
	)

	deps := chat.Deps{
		Sessions:    session.NewMap(),
		Presence:    registry,
		Rooms:       room.NewResolver(db),
		Broadcaster: bus,
		Moderator:   pipeline,
	}
	if cfg.RateLimit.Enabled {
		deps.Limiter = ratelimit.NewPolicy(
			ratelimit.NewLimiter(rdb),
			ratelimit.MessageRule(cfg.RateLimit.Limit, cfg.RateLimit.Window),
		)
	}
	svc := chat.NewService(deps)

	// Sessions this instance held before a crash are still counted in the
	// shared set.
	if sweeper != nil {
		stale, err := sweeper.Sweep(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("presence sweep failed")
		} else if len(stale) > 0 {
			log.Info().Strs("subjects", stale).Msg("swept stale presence")
		}
		svc.PublishSnapshot(ctx)
	}

	// --- Transport ---
	verifier := identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	dispatcher := ws.NewMessageDispatcher()
	svc.RegisterHandlers(dispatcher)

	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Server.HeartbeatInterval,
			Timeout:  cfg.Server.HeartbeatTimeout,
		},
	}, verifier, dispatcher.Dispatch)
	svc.SetSender(server)

	server.SetOnConnect(svc.Connect)
	server.SetOnDisconnect(func(connID string) {
		dctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		svc.Disconnect(dctx, connID)
	})

	rooms := api.NewRoomHandlers(db, verifier).Routes()
	server.Handle("/rooms", rooms)
	server.Handle("/rooms/", rooms)
	server.Handle("/metrics", metrics.Handler())

	log.Info().
		Str("addr", cfg.Server.ListenAddr).
		Str("presence", cfg.Presence.Backend).
		Str("broadcast", cfg.Broadcast.Backend).
		Bool("ratelimit", cfg.RateLimit.Enabled).
		Msg("chatserver starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(sctx)
		svc.DisconnectAll(sctx)
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
