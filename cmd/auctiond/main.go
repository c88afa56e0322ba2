package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jensholdgaard/cricket-auction/internal/announce"
	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/broadcast"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/gateway"
	"github.com/jensholdgaard/cricket-auction/internal/health"
	"github.com/jensholdgaard/cricket-auction/internal/httpapi"
	"github.com/jensholdgaard/cricket-auction/internal/leader"
	"github.com/jensholdgaard/cricket-auction/internal/purse"
	"github.com/jensholdgaard/cricket-auction/internal/relay"
	"github.com/jensholdgaard/cricket-auction/internal/store"
	"github.com/jensholdgaard/cricket-auction/internal/telemetry"
	"github.com/jensholdgaard/cricket-auction/internal/ws"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/cricket-auction/internal/store/memstore"
	_ "github.com/jensholdgaard/cricket-auction/internal/store/mongostore"
	_ "github.com/jensholdgaard/cricket-auction/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A .env file is optional; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not load .env file", slog.Any("error", err))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to store", slog.String("driver", cfg.Database.Driver))

	checkers := []health.Checker{{Name: "store", Check: repos.Ping}}

	// Snapshots fan out through the relay when redis is configured so
	// followers can serve viewers too.
	hub := broadcast.NewHub(logger, tp.MeterProvider)
	var fanout auction.Broadcaster = hub
	var rel *relay.Relay
	if cfg.Redis.Addr != "" {
		client, redisErr := relay.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if redisErr != nil {
			return redisErr
		}
		defer client.Close()

		rel = relay.New(client, hub, cfg.Redis.SnapshotTTL, logger)
		fanout = rel
		go func() {
			if runErr := rel.Run(ctx); runErr != nil {
				logger.ErrorContext(ctx, "relay stopped", slog.Any("error", runErr))
			}
		}()
		checkers = append(checkers, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	}

	state := &leader.State{}
	if !cfg.LeaderElection.Enabled {
		state = leader.AlwaysLeader()
	}

	purses := purse.NewManager(repos.Teams, repos.Events, logger, tp.TracerProvider)
	auctions := auction.NewManager(repos, purses, fanout, logger, tp.TracerProvider, tp.MeterProvider, auction.Options{
		PreviewSize: cfg.Auction.PreviewSize,
		MaxLogLines: cfg.Auction.MaxLogLines,
	})

	opts := []gateway.Option{gateway.WithLeadership(state)}
	if rel != nil {
		opts = append(opts, gateway.WithFollowers(rel))
	}
	gw := gateway.New(auctions, repos, fanout, hub, logger, tp.TracerProvider, opts...)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	sockets := ws.NewServer(gw, verifier, cfg.Auction, cfg.Server.AllowedOrigins, logger)

	healthHandler := health.NewHandler(clk, checkers...)
	healthHandler.Describe(state, hub)

	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpapi.NewRouter(httpapi.Deps{
			Gateway:  gw,
			Verifier: verifier,
			Socket:   sockets,
			Health:   healthHandler,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// recoverAuctions rebuilds in-flight auctions from the event store so
	// they survive leader failover. It must finish before this replica
	// accepts commands.
	recoverAuctions := func(ctx context.Context) {
		if n, recoverErr := auctions.Recover(ctx); recoverErr != nil {
			logger.ErrorContext(ctx, "auction recovery failed", slog.Any("error", recoverErr))
		} else if n > 0 {
			logger.InfoContext(ctx, "recovered auctions", slog.Int("count", n))
		}
	}
	if !cfg.LeaderElection.Enabled {
		recoverAuctions(ctx)
	}

	// The HTTP server runs on all replicas: followers serve viewers.
	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()
	healthHandler.SetReady(true)

	// lead is the work only the leader runs. It blocks until ctx ends.
	lead := func(ctx context.Context) {
		if cfg.Discord.Token != "" {
			announcer, annErr := announce.New(cfg.Discord, logger, tp.TracerProvider)
			if annErr != nil {
				logger.ErrorContext(ctx, "creating announcer failed", slog.Any("error", annErr))
			} else if annErr = announcer.Start(ctx, gw); annErr != nil {
				logger.ErrorContext(ctx, "starting announcer failed", slog.Any("error", annErr))
			} else {
				defer func() {
					if stopErr := announcer.Stop(gw); stopErr != nil {
						logger.Error("announcer shutdown error", slog.Any("error", stopErr))
					}
				}()
			}
		}

		logger.InfoContext(ctx, "auctiond is running (leader)", slog.String("version", version))
		<-ctx.Done()
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, serving as follower until elected")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, state, logger, leader.Callbacks{
			Prepare: recoverAuctions,
			Lead:    lead,
			Stopped: func() {
				logger.Info("lost leadership, shutting down...")
				cancel()
			},
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		lead(ctx)
		logger.Info("shutting down...")
	}

	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := sockets.Shutdown(shutdownCtx); err != nil {
		logger.Error("websocket shutdown error", slog.Any("error", err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
