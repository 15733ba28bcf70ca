package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	apihttp "mobility-hub/internal/api/http"
	"mobility-hub/internal/config"
	"mobility-hub/internal/eventing"
	"mobility-hub/internal/hubapi"
	"mobility-hub/internal/logging"
	"mobility-hub/internal/observability/metrics"
	sensorapp "mobility-hub/internal/sensordata/application"
	sensorpostgres "mobility-hub/internal/sensordata/infrastructure/postgres"
	sensorhttp "mobility-hub/internal/sensordata/interfaces/http"
	sensormqtt "mobility-hub/internal/sensordata/interfaces/mqtt"
	sessionapp "mobility-hub/internal/session/application"
	session "mobility-hub/internal/session/domain"
	sessionmemory "mobility-hub/internal/session/infrastructure/memory"
	sessionsqlite "mobility-hub/internal/session/infrastructure/sqlite"
	sessionhttp "mobility-hub/internal/session/interfaces/http"
)

const appName = "mobility-hub"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg, appName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	metrics.Init(logger)

	client, err := hubapi.NewClient(cfg.APIURL, hubapi.WithTimeout(cfg.HTTPTimeout), hubapi.WithLogger(logger))
	if err != nil {
		return err
	}

	store, closeStore := openTokenStore(ctx, cfg.TokenDB, logger)
	defer closeStore()

	bus := eventing.NewBus()

	manager, err := sessionapp.NewManager(client, store,
		sessionapp.WithPublisher(bus),
		sessionapp.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	loop, err := sensorapp.NewLoop(client,
		sensorapp.WithInterval(cfg.PollInterval),
		sensorapp.WithLimit(cfg.PollLimit),
		sensorapp.WithRecentN(cfg.RecentN),
		sensorapp.WithInvalidator(manager),
		sensorapp.WithPublisher(bus),
		sensorapp.WithLogger(logger),
		sensorapp.WithBaseContext(ctx),
	)
	if err != nil {
		return err
	}
	defer loop.Shutdown()

	writer, err := sensorapp.NewWriter(client, manager, loop, manager, nil, logger)
	if err != nil {
		return err
	}

	eventing.Subscribe[session.Started](bus, loop.HandleSessionStarted)
	eventing.Subscribe[session.Ended](bus, loop.HandleSessionEnded)

	broker := sensorhttp.NewSSEBroker()
	eventing.Subscribe[sensorapp.SnapshotReplaced](bus, broker.HandleSnapshotReplaced)
	eventing.Subscribe[sensorapp.PollFailed](bus, broker.HandlePollFailed)

	if cfg.ArchiveDSN != "" {
		db, err := openArchive(ctx, cfg.ArchiveDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		archive := sensorpostgres.NewArchive(db)
		if err := archive.EnsureSchema(ctx); err != nil {
			return err
		}
		eventing.Subscribe[sensorapp.SnapshotReplaced](bus, archive.HandleSnapshotReplaced)
		logger.Info("snapshot archive enabled")
	}

	if cfg.MQTT.Enabled() {
		mirror, err := sensormqtt.NewMirror(sensormqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			return err
		}
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := mirror.Connect(connectCtx); err != nil {
			logger.Warn("mqtt connect pending, mirror keeps retrying", "err", err)
		}
		cancel()
		defer mirror.Disconnect()
		eventing.Subscribe[sensorapp.SnapshotReplaced](bus, mirror.HandleSnapshotReplaced)
		eventing.Subscribe[sensorapp.PollFailed](bus, mirror.HandlePollFailed)
	}

	sessionHandler, err := sessionhttp.NewHandler(manager)
	if err != nil {
		return err
	}
	sensorHandler, err := sensorhttp.NewHandler(loop, writer, manager, broker, cfg.TableRows)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apihttp.NewRouter(logger, sessionHandler, sensorHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	establishSession(ctx, cfg, manager, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "hub", cfg.APIURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	// Sinks are closed by the deferred calls; the loop must be idle first.
	loop.Shutdown()
	return err
}

// establishSession logs in with configured credentials, falling back to the
// persisted token.
func establishSession(ctx context.Context, cfg config.Config, manager *sessionapp.Manager, logger *slog.Logger) {
	if cfg.AutoLogin() {
		if _, err := manager.Login(ctx, cfg.Username, cfg.Password); err != nil {
			logger.Warn("auto login failed", "username", cfg.Username, "err", err)
		}
		return
	}
	if _, err := manager.Restore(ctx); err != nil && !errors.Is(err, session.ErrNoSession) {
		logger.Warn("restore session failed", "err", err)
	}
}

func openTokenStore(ctx context.Context, path string, logger *slog.Logger) (sessionapp.TokenStore, func()) {
	if path == "" {
		return sessionmemory.NewTokenStore(), func() {}
	}
	store, err := sessionsqlite.Open(ctx, path)
	if err != nil {
		logger.Warn("token db unavailable, token will not survive restarts", "path", path, "err", err)
		return sessionmemory.NewTokenStore(), func() {}
	}
	return store, func() { _ = store.Close() }
}

func openArchive(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
