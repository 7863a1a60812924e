package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chatcore/internal/config"
	"chatcore/internal/delivery"
	"chatcore/internal/domain"
	"chatcore/internal/fanout"
	"chatcore/internal/httpserver"
	"chatcore/internal/logging"
	"chatcore/internal/mailbox"
	"chatcore/internal/metrics"
	"chatcore/internal/presence"
	"chatcore/internal/router"
	"chatcore/internal/security"
	"chatcore/internal/service"
	"chatcore/internal/store/mongostore"
	"chatcore/internal/store/postgres"
	"chatcore/internal/store/sqlite"
	"chatcore/internal/ws"
)

type stores struct {
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
	messages      domain.MessageRepository
	receipts      domain.ReceiptRepository
	close         func()
}

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("app", cfg.AppName), zap.String("instance", cfg.InstanceID))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	// Security components
	tokenSvc := security.NewTokenService(cfg.JWTSecret, time.Hour)
	encryptor, err := security.NewEncryptor([]byte(cfg.EncryptKey), cfg.LegacyEncryptKeys)
	if err != nil {
		return fmt.Errorf("initialize encryptor: %w", err)
	}

	// Offline mailbox
	mdb, err := mailbox.Open(cfg.MailboxPath, logger)
	if err != nil {
		return err
	}
	defer mdb.Close()
	policy, err := mailbox.ParsePolicy(cfg.MailboxPolicy)
	if err != nil {
		return err
	}
	mbox := mailbox.New(mdb, logger, mailbox.Options{
		Capacity: cfg.MailboxCapacity,
		Policy:   policy,
		Sealer:   encryptor,
		OnEvict:  m.MailboxEvicted,
	})

	bus, err := openBus(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	tracker := delivery.NewTracker(st.receipts, logger)
	msgSvc, err := service.NewMessageService(st.conversations, st.participants, st.messages, tracker, encryptor, logger, m, service.Options{
		MaxMessageLength:           cfg.MaxMessageLength,
		MessagePattern:             cfg.MessagePattern,
		MaxMessagesPerConversation: cfg.MaxMessagesPerConversation,
		PersistTimeout:             cfg.PersistTimeout,
		HistoryPageSize:            cfg.BacklogLimit,
	})
	if err != nil {
		return err
	}

	rt := router.New(router.Config{
		InstanceID:   cfg.InstanceID,
		BacklogLimit: cfg.BacklogLimit,
		Heartbeat:    cfg.PresenceHeartbeat,
		Presence:     presence.NewRegistry(),
		Bus:          bus,
		// Remote presence expires after three missed heartbeats.
		Directory: fanout.NewDirectory(cfg.InstanceID, 3*cfg.PresenceHeartbeat),
		Mailbox:   mbox,
		Tracker:   tracker,
		History:   msgSvc,
		Logger:    logger,
		Metrics:   m,
	})
	msgSvc.SetDispatcher(rt)
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	wsHandler := ws.NewHandler(ws.NewGatekeeper(tokenSvc, cfg.HandshakeTimeout), msgSvc, rt, logger, m, ws.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	handler := httpserver.NewRouter(cfg, logger, tokenSvc, msgSvc, wsHandler,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.HandshakeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting chat server", zap.String("addr", cfg.HTTPAddr()),
			zap.String("store", cfg.StoreDriver), zap.String("bus", cfg.BusDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := wsHandler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket sessions not drained", zap.Error(err))
	}
	rt.Close(shutdownCtx)
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return &stores{
			conversations: postgres.NewConversationRepo(db),
			participants:  postgres.NewParticipantRepo(db),
			messages:      postgres.NewMessageRepo(db),
			receipts:      postgres.NewReceiptRepo(db),
			close:         func() { db.Close() },
		}, nil

	case config.StoreMongo:
		db, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := mongostore.EnsureIndexes(ctx, db); err != nil {
			return nil, err
		}
		return &stores{
			conversations: mongostore.NewConversationRepo(db),
			participants:  mongostore.NewParticipantRepo(db),
			messages:      mongostore.NewMessageRepo(db, logger),
			receipts:      mongostore.NewReceiptRepo(db),
			close: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = db.Client().Disconnect(ctx)
			},
		}, nil

	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return &stores{
			conversations: sqlite.NewConversationRepo(db),
			participants:  sqlite.NewParticipantRepo(db),
			messages:      sqlite.NewMessageRepo(db),
			receipts:      sqlite.NewReceiptRepo(db),
			close:         func() { db.Close() },
		}, nil
	}
}

func openBus(cfg *config.Config, logger *zap.Logger) (fanout.Bus, error) {
	if cfg.BusDriver == config.BusNATS {
		nc, err := fanout.DialNATS(cfg.NATSURL, cfg.AppName+"-"+cfg.InstanceID, logger)
		if err != nil {
			return nil, err
		}
		return fanout.NewNATSBus(nc, cfg.NATSSubjectPrefix, logger), nil
	}
	return fanout.NewMemoryBus(logger), nil
}
