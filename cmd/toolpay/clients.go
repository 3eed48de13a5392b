package main

import (
	"fmt"
	"strings"

	"github.com/alexjbarnes/toolpay/internal/auth"
	"github.com/alexjbarnes/toolpay/internal/config"
	"github.com/alexjbarnes/toolpay/internal/logging"
	"github.com/spf13/cobra"
)

func newRegisterClientCmd() *cobra.Command {
	var (
		owner        string
		name         string
		scope        string
		redirectURIs []string
	)

	cmd := &cobra.Command{
		Use:   "register-client",
		Short: "Provision a static OAuth client owned by a principal",
		Long: `Provision a static OAuth client. The client is owned by --owner from
the start and its secret is printed once. Store it now; only a hash is kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer store.Close()

			clients := auth.NewClients(store, logging.NewLogger(cfg.Environment, cfg.LogLevel))

			id, secret, err := clients.RegisterStatic(cmd.Context(), owner, name, strings.Fields(scope), redirectURIs...)
			if err != nil {
				return fmt.Errorf("registering client: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client_id:     %s\n", id)
			fmt.Fprintf(out, "client_secret: %s\n", secret)

			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "principal that owns the client (required)")
	cmd.Flags().StringVar(&name, "name", "", "human readable client name")
	cmd.Flags().StringVar(&scope, "scope", auth.ScopeTools, "space separated scopes the client may request")
	cmd.Flags().StringSliceVar(&redirectURIs, "redirect-uri", nil, "allowed redirect URI (repeatable)")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}
