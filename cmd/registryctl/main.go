// registryctl inspects the research registry and the session store from the
// command line using the server's environment configuration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/ashureev/gene-analysis/internal/chain"
	"github.com/ashureev/gene-analysis/internal/config"
	"github.com/ashureev/gene-analysis/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "registryctl",
		Short:        "Inspect the research registry and chat sessions",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
		},
	}

	var timeout time.Duration
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "deadline for each command")

	root.AddCommand(
		pingCMD(&timeout),
		getCMD(&timeout),
		countCMD(&timeout),
		pruneCMD(&timeout),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// withRegistry loads configuration, dials the registry and runs fn.
func withRegistry(timeout time.Duration, fn func(ctx context.Context, r *chain.Registry) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	r, err := chain.Dial(ctx, cfg.Chain, slog.Default())
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(ctx, r)
}

func pingCMD(timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check RPC connectivity and signing account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(*timeout, func(ctx context.Context, r *chain.Registry) error {
				out := map[string]any{
					"connected": r.IsConnected(ctx),
					"can_store": r.CanStore(),
				}
				if r.CanStore() {
					out["account"] = r.Account().Hex()
				}
				return printJSON(cmd, out)
			})
		},
	}
}

func getCMD(timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "get <address> <research-id>",
		Short: "Read one research entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid research id %q: %w", args[1], err)
			}
			return withRegistry(*timeout, func(ctx context.Context, r *chain.Registry) error {
				record, err := r.GetResearch(ctx, args[0], id)
				if err != nil {
					return err
				}
				return printJSON(cmd, record)
			})
		},
	}
}

func countCMD(timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "count <address>",
		Short: "Count research entries stored for an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(*timeout, func(ctx context.Context, r *chain.Registry) error {
				n, err := r.GetResearchCount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"researcher": args[0], "count": n})
			})
		},
	}
}

func pruneCMD(timeout *time.Duration) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "prune-sessions",
		Short: "Delete idle sessions from a persistent session store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Session.Store == config.StoreMemory {
				return fmt.Errorf("session store %q is process-local, nothing to prune", cfg.Session.Store)
			}
			if ttl <= 0 {
				ttl = cfg.Session.TTL
			}
			if ttl <= 0 {
				return fmt.Errorf("a positive --ttl or SESSION_TTL is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), *timeout)
			defer cancel()
			repo, err := store.Open(ctx, cfg.Session)
			if err != nil {
				return err
			}
			defer repo.Close()

			deleted, err := repo.DeleteExpired(ctx, ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"deleted": deleted, "ttl": ttl.String()})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "idle age to prune (default SESSION_TTL)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
