package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adamscao/trustgate/internal/accounts"
	"github.com/adamscao/trustgate/internal/api"
	"github.com/adamscao/trustgate/internal/apiclient"
	"github.com/adamscao/trustgate/internal/approval"
	"github.com/adamscao/trustgate/internal/auth"
	"github.com/adamscao/trustgate/internal/broker"
	"github.com/adamscao/trustgate/internal/clientcache"
	"github.com/adamscao/trustgate/internal/config"
	"github.com/adamscao/trustgate/internal/db"
	"github.com/adamscao/trustgate/internal/db/repository"
	"github.com/adamscao/trustgate/internal/logger"
	"github.com/adamscao/trustgate/internal/transport"
	"github.com/adamscao/trustgate/internal/truststore"
)

var (
	// Version information (set via ldflags)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "/etc/trustgate/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trustgate\n")
		fmt.Printf("Version:    %s\n", Version)
		fmt.Printf("Commit:     %s\n", Commit)
		fmt.Printf("Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	base := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = base.Sync() }()
	log := base.Sugar().Named(logger.ComponentServer)

	log.Infow("Starting trustgate", "version", Version, "commit", Commit, "config", *configPath)

	if err := run(cfg, base); err != nil {
		log.Errorw("Server stopped with error", "error", err)
		os.Exit(1)
	}

	log.Info("Server stopped")
}

func run(cfg *config.Config, base *zap.Logger) error {
	log := base.Sugar().Named(logger.ComponentServer)
	named := func(component string) *zap.SugaredLogger {
		return base.Sugar().Named(component)
	}

	// Initialize database
	log.Infow("Connecting to database", "path", cfg.Database.Path)
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Run migrations
	if err := db.RunMigrations(database); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Initialize repositories
	trustRepo := repository.NewTrustRepository(database.DB)
	accountRepo := repository.NewAccountRepository(database.DB)
	auditRepo := repository.NewAuditRepository(database.DB)

	sealer, err := auth.NewSealer(cfg.Encryption.Key)
	if err != nil {
		return err
	}

	store, err := truststore.Open(trustRepo, named(logger.ComponentTrustStore))
	if err != nil {
		return err
	}

	channel := approval.New(named(logger.ComponentApproval))
	decisions := broker.New(store, channel, broker.Config{
		ApprovalTimeout: cfg.GetApprovalTimeout(),
		Auditor:         auditRepo,
		Logger:          named(logger.ComponentBroker),
	})

	accountService := accounts.NewService(accountRepo, sealer, auditRepo, named(logger.ComponentAccounts))

	factory := &apiclient.Factory{
		Decider: decisions,
		Transport: transport.Config{
			DialTimeout:      cfg.GetDialTimeout(),
			HandshakeTimeout: cfg.GetHandshakeTimeout(),
			Logger:           named(logger.ComponentTransport),
		},
		Credentials:    accountService,
		RequestTimeout: cfg.GetRequestTimeout(),
		UserAgent:      cfg.Clients.UserAgent,
		StatusPath:     cfg.Clients.StatusPath,
	}

	cache := clientcache.New(accountService, factory.Build, named(logger.ComponentClientCache))
	accountService.OnBaseURLChange(cache.Invalidate)

	server := api.NewServer(cfg, api.Dependencies{
		Channel:    channel,
		TrustStore: store,
		Accounts:   accountService,
		Clients:    cache,
		AuditRepo:  auditRepo,
	}, named(logger.ComponentHTTP))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx)
	})
	g.Go(func() error {
		pruneAudit(ctx, auditRepo, cfg.GetAuditRetention(), log)
		return nil
	})

	return g.Wait()
}

// pruneAudit drops audit entries older than retention once at startup and
// then daily until ctx ends.
func pruneAudit(ctx context.Context, repo *repository.AuditRepository, retention time.Duration, log *zap.SugaredLogger) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		removed, err := repo.DeleteOld(time.Now().Add(-retention))
		if err != nil {
			log.Warnw("Failed to prune audit log", "error", err)
		} else if removed > 0 {
			log.Infow("Pruned audit log", "removed", removed, "retention", retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
