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

	"github.com/alexjbarnes/toolpay/internal/config"
	"github.com/alexjbarnes/toolpay/internal/ledger"
	"github.com/alexjbarnes/toolpay/internal/logging"
	"github.com/spf13/cobra"
)

// newLedgerCmd runs the in-memory ledger behind its JSON-RPC WebSocket
// endpoint, so a toolpay instance with LEDGER_BACKEND=ws can be pointed
// at it during development.
func newLedgerCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Serve a development ledger over JSON-RPC (WebSocket)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadLedger()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := logging.NewLogger(cfg.Environment, cfg.LogLevel).With(slog.String("service", "ledger"))

			l, err := seededLedger(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mux := http.NewServeMux()
			mux.Handle("/rpc", ledger.Handler(l, logger))

			srv := &http.Server{
				Addr:              listen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-ctx.Done()

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()

				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("starting ledger", slog.String("listen", listen), slog.String("path", "/rpc"))

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ledger server error: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8091", "listen address")

	return cmd
}
