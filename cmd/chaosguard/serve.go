package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/njchilds90/chaosguard"
	"github.com/njchilds90/chaosguard/internal/server"
)

func serveCmd(g *globalOptions) *cobra.Command {
	var (
		addr    string
		maxBody int64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the validator over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.loadPolicy()
			if err != nil {
				return err
			}
			store, closeStore, err := g.openAudit()
			if err != nil {
				return err
			}
			defer closeStore()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			opts := []server.Option{server.WithLogger(slog.Default()), server.WithMaxBody(maxBody)}
			if store != nil {
				opts = append(opts, server.WithAuditStore(store))
			}
			srv := server.New(chaosguard.NewValidator(p), opts...)
			slog.Info("chaosguard ready",
				slog.String("version", Version),
				slog.Int("rules", len(p.Rules())),
				slog.Bool("audit", store != nil))
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().Int64Var(&maxBody, "max-body", server.DefaultMaxBody, "Maximum request body in bytes")
	return cmd
}
