package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zatekoja/clinicqueue/internal/adapters/cache"
	"github.com/zatekoja/clinicqueue/internal/adapters/database"
	"github.com/zatekoja/clinicqueue/internal/application/services"
	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/repositories"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/clients/redis"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/observability"
	"github.com/zatekoja/clinicqueue/pkg/config"
)

// backends opens the stores a command needs. Each returned func releases what it opened.
type backends interface {
	Postgres(ctx context.Context) (*postgres.Client, func(), error)
	Store(ctx context.Context) (repositories.EncounterRepository, func(), error)
	Counters(ctx context.Context) (*cache.RedisCounterCache, func(), error)
}

type configBackends struct {
	cfg *config.Config
}

func (b configBackends) Postgres(ctx context.Context) (*postgres.Client, func(), error) {
	client, err := postgres.NewClient(&b.cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Close() }, nil
}

func (b configBackends) Store(ctx context.Context) (repositories.EncounterRepository, func(), error) {
	client, release, err := b.Postgres(ctx)
	if err != nil {
		return nil, nil, err
	}
	return database.NewEncounterAdapter(client, b.cfg.Queue.OperationTimeout), release, nil
}

func (b configBackends) Counters(ctx context.Context) (*cache.RedisCounterCache, func(), error) {
	client, err := redis.NewClient(&b.cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewRedisCounterCache(client), func() { client.Close() }, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger("queuectl", cfg.Env, cfg.Log.Level)

	if err := newRootCmd(configBackends{cfg: cfg}, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(b backends, out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "queuectl",
		Short:        "Operate the clinic queue coordinator",
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Timeout for the whole command")

	rootCmd.AddCommand(migrateCmd(b))
	rootCmd.AddCommand(reconcileCmd(b))
	rootCmd.AddCommand(countersCmd(b))
	return rootCmd
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(cmd.Context(), timeout)
}

func migrateCmd(b backends) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the encounters table and its indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			client, release, err := b.Postgres(ctx)
			if err != nil {
				return err
			}
			defer release()

			if err := database.ApplySchema(ctx, client); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema applied.")
			return nil
		},
	}
}

func reconcileCmd(b backends) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute queue counters from the encounter store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			store, releaseStore, err := b.Store(ctx)
			if err != nil {
				return err
			}
			defer releaseStore()

			counters, releaseCounters, err := b.Counters(ctx)
			if err != nil {
				return err
			}
			defer releaseCounters()

			coordinator := services.NewQueueCoordinator(store, services.NewCounterService(counters), nil, nil, services.CoordinatorConfig{})
			counts, err := services.NewReconcileService(coordinator, 0).RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("reconcile failed: %w", err)
			}
			printCounters(cmd.OutOrStdout(), counts)
			return nil
		},
	}
}

func countersCmd(b backends) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counters",
		Short: "Inspect or reset the cached queue counters",
	}

	getCmd := &cobra.Command{
		Use:   "get [key...]",
		Short: "Print cached counters; missing counters show as unknown",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := entities.AllCounterKeys
			if len(args) > 0 {
				keys = make([]entities.CounterKey, 0, len(args))
				for _, raw := range args {
					k, err := entities.ParseCounterKey(raw)
					if err != nil {
						return err
					}
					keys = append(keys, k)
				}
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			counters, release, err := b.Counters(ctx)
			if err != nil {
				return err
			}
			defer release()

			w := cmd.OutOrStdout()
			for _, k := range keys {
				v, ok, err := counters.Get(ctx, k)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(w, "%-22s unknown\n", k)
					continue
				}
				fmt.Fprintf(w, "%-22s %d\n", k, v)
			}
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached counter; the next read or reconcile rebuilds them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			counters, release, err := b.Counters(ctx)
			if err != nil {
				return err
			}
			defer release()

			if err := counters.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Counters cleared.")
			return nil
		},
	}

	cmd.AddCommand(getCmd, clearCmd)
	return cmd
}

func printCounters(w io.Writer, counts map[entities.CounterKey]int64) {
	for _, k := range entities.AllCounterKeys {
		if v, ok := counts[k]; ok {
			fmt.Fprintf(w, "%-22s %d\n", k, v)
		}
	}
}
