package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/toolpay/internal/auth"
	"github.com/alexjbarnes/toolpay/internal/config"
	"github.com/alexjbarnes/toolpay/internal/executor"
	"github.com/alexjbarnes/toolpay/internal/invocation"
	"github.com/alexjbarnes/toolpay/internal/kv"
	"github.com/alexjbarnes/toolpay/internal/ledger"
	"github.com/alexjbarnes/toolpay/internal/logging"
	"github.com/alexjbarnes/toolpay/internal/mcpserver"
	"github.com/alexjbarnes/toolpay/internal/metrics"
	"github.com/alexjbarnes/toolpay/internal/payment"
	"github.com/alexjbarnes/toolpay/internal/server"
	"github.com/alexjbarnes/toolpay/internal/token"
	"github.com/alexjbarnes/toolpay/internal/tools"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server, tool API and MCP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

// openStore opens the kv backend selected by STORE_BACKEND.
func openStore(cfg *config.Config) (kv.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return kv.NewMemory(), nil
	case config.StoreValkey:
		return kv.OpenValkey(cfg.ValkeyAddr, cfg.ValkeyPrefix)
	default:
		path := cfg.StorePath
		if path == "" {
			p, err := kv.DefaultBoltPath()
			if err != nil {
				return nil, err
			}

			path = p
		}

		return kv.OpenBolt(path)
	}
}

// openLedger returns the ledger selected by LEDGER_BACKEND. The memory
// ledger is seeded from LEDGER_SEED.
func openLedger(cfg *config.Config, logger *slog.Logger) (payment.Ledger, error) {
	if cfg.LedgerBackend == config.LedgerWebSocket {
		return ledger.NewWSClient(cfg.LedgerURL, nil, logger), nil
	}

	return seededLedger(cfg)
}

func seededLedger(cfg *config.Config) (*ledger.Memory, error) {
	seed, err := cfg.ParseLedgerSeed()
	if err != nil {
		return nil, fmt.Errorf("parsing LEDGER_SEED: %w", err)
	}

	l := ledger.NewMemory()
	for principal, amount := range seed {
		l.Deposit(principal, amount)
	}

	return l, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("toolpay starting",
		slog.String("version", Version),
		slog.String("store", cfg.StoreBackend),
		slog.String("ledger", cfg.LedgerBackend),
	)

	users, err := cfg.ParseUsers()
	if err != nil {
		return fmt.Errorf("parsing auth users: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	l, err := openLedger(cfg, logger)
	if err != nil {
		return err
	}

	codec, err := token.NewCodec([]byte(cfg.TokenSigningKey), cfg.ServerURL, cfg.ResourceURL)
	if err != nil {
		return fmt.Errorf("creating token codec: %w", err)
	}

	m := metrics.New()

	clients := auth.NewClients(store, logger.With(slog.String("component", "clients")))
	flow := auth.NewFlow(store, clients, codec, auth.FlowConfig{
		Issuer:        cfg.ServerURL,
		Audience:      cfg.ResourceURL,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		RotateRefresh: cfg.RefreshTokenRotation,
		Recorder:      m,
	}, logger.With(slog.String("component", "oauth")))

	registry := tools.NewRegistry(store, logger.With(slog.String("component", "tools")))

	gate := payment.NewGate(l, payment.NewRecords(store), payment.NewBalanceCache(l, cfg.BalanceCacheTTL), payment.Config{
		LedgerTimeout:  cfg.LedgerTimeout,
		ConfirmTimeout: cfg.LedgerConfirmTimeout,
		Recorder:       m,
	}, logger.With(slog.String("component", "payment")))

	exec := executor.New(nil, cfg.ToolTimeout, logger.With(slog.String("component", "executor")))
	svc := invocation.NewService(registry, gate, exec, m, logger)

	mux := server.NewMux(server.MuxConfig{
		Clients:  clients,
		Flow:     flow,
		Verifier: codec,
		Users:    auth.UserCredentials(users),
		Registration: auth.RegistrationLimit{
			PerMinute: cfg.RegistrationRate,
			Burst:     cfg.RegistrationBurst,
		},
		Invocations: svc,
		MCPHandler:  mcpserver.NewBuilder(svc, Version, logger.With(slog.String("service", "mcp"))).Handler(),
		Metrics:     m,
		Logger:      logger,
		ServerURL:   cfg.ServerURL,
		ResourceURL: cfg.ResourceURL,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return kv.RunSweeper(gctx, store, cfg.SweepInterval, logger)
	})

	if cfg.ToolCatalogue != "" {
		watcher := tools.NewCatalogueWatcher(cfg.ToolCatalogue, registry, logger.With(slog.String("component", "catalogue")))
		if err := watcher.Load(ctx); err != nil {
			return fmt.Errorf("loading tool catalogue: %w", err)
		}

		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.String("server_url", cfg.ServerURL),
			slog.String("resource", cfg.ResourceURL),
			slog.Int("users", len(users)),
		)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	return g.Wait()
}
