// Package main provides fulfillmentctl, the operations CLI for the
// fulfillment services.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/internal/config"
	"github.com/vetrx/fulfillment/internal/domain/order"
	"github.com/vetrx/fulfillment/internal/infrastructure/postgres"
	"github.com/vetrx/fulfillment/internal/infrastructure/redpanda"
	"github.com/vetrx/fulfillment/pkg/idempotency"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "fulfillmentctl",
		Short:        "Operate the order fulfillment services",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("env-file", ".env", "optional env file")
	rootCmd.PersistentFlags().Duration("timeout", time.Minute, "overall command timeout")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(inboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env loads configuration and a logger and bounds ctx by --timeout
func env(cmd *cobra.Command) (context.Context, context.CancelFunc, *config.Config, *zap.Logger, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger, err := cfg.NewLogger("fulfillmentctl")
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return ctx, cancel, cfg, logger, nil
}

func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return postgres.Connect(ctx, postgres.PoolConfig{DSN: cfg.DatabaseURL, MaxConns: 2, MinConns: 1}, logger)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and seed the order number counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly, _ := cmd.Flags().GetBool("print"); printOnly {
				for _, stmt := range postgres.Statements() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s;\n", strings.TrimSpace(stmt))
				}
				return nil
			}

			ctx, cancel, cfg, logger, err := env(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			pool, err := connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			first, _ := cmd.Flags().GetInt64("first-order-number")
			if err := postgres.Migrate(ctx, pool, first, logger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
	cmd.Flags().Bool("print", false, "print the schema statements instead of applying them")
	cmd.Flags().Int64("first-order-number", order.FirstOrderNumber, "first order number issued on an empty database")
	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	withAdmin := func(cmd *cobra.Command, fn func(ctx context.Context, admin *redpanda.Admin, cfg *config.Config) error) error {
		ctx, cancel, cfg, logger, err := env(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
		if err != nil {
			return err
		}
		defer admin.Close()
		return fn(ctx, admin, cfg)
	}

	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create the event topics if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin, cfg *config.Config) error {
				replication, _ := cmd.Flags().GetInt16("replication")
				if replication <= 0 {
					replication = int16(cfg.KafkaReplication)
				}
				if err := admin.EnsureTopics(ctx, replication); err != nil {
					return err
				}
				for _, t := range redpanda.DefaultTopicConfigs(replication) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tpartitions=%d\treplication=%d\n", t.Name, t.Partitions, t.ReplicationFactor)
				}
				return nil
			})
		},
	}
	ensure.Flags().Int16("replication", 0, "replication factor (default KAFKA_REPLICATION)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin, _ *config.Config) error {
				names, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				sort.Strings(names)
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}

	lag := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin, cfg *config.Config) error {
				group, _ := cmd.Flags().GetString("group")
				if group == "" {
					group = cfg.ReconcilerGroup
				}
				totals, err := admin.GroupLag(ctx, group)
				if err != nil {
					return err
				}
				topics := make([]string, 0, len(totals))
				for t := range totals {
					topics = append(topics, t)
				}
				sort.Strings(topics)
				for _, t := range topics {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", t, totals[t])
				}
				return nil
			})
		},
	}
	lag.Flags().String("group", "", "consumer group (default RECONCILER_GROUP)")

	cmd.AddCommand(ensure, list, lag)
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and prune the outbox",
	}

	withRelay := func(cmd *cobra.Command, fn func(ctx context.Context, relay *postgres.Relay) error) error {
		ctx, cancel, cfg, logger, err := env(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		pool, err := connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		rcfg := postgres.DefaultRelayConfig()
		rcfg.MaxRetries = cfg.RelayMaxRetries
		// no publisher: the relay is never started here
		return fn(ctx, postgres.NewRelay(pool, nil, rcfg, logger))
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show outbox backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRelay(cmd, func(ctx context.Context, relay *postgres.Relay) error {
				s, err := relay.Stats(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "pending\t%d\nfailed\t%d\ndead_lettered\t%d\n", s.Pending, s.Failed, s.DeadLettered)
				if s.OldestPending != nil {
					fmt.Fprintf(out, "oldest_pending\t%s\n", s.OldestPending.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete published entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			return withRelay(cmd, func(ctx context.Context, relay *postgres.Relay) error {
				n, err := relay.CleanupProcessed(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", n)
				return nil
			})
		},
	}
	cleanup.Flags().Duration("older-than", 7*24*time.Hour, "minimum age of published entries to delete")

	cmd.AddCommand(stats, cleanup)
	return cmd
}

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect the reconciler inbox",
	}

	withInbox := func(cmd *cobra.Command, fn func(ctx context.Context, inbox *idempotency.Inbox) error) error {
		ctx, cancel, cfg, logger, err := env(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		pool, err := connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger))
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count inbox entries by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInbox(cmd, func(ctx context.Context, inbox *idempotency.Inbox) error {
				s, err := inbox.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "total\t%d\nstarted\t%d\nfinished\t%d\nrecoverable\t%d\nfailed\t%d\n",
					s.Total, s.Started, s.Finished, s.Recoverable, s.Failed)
				return nil
			})
		},
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Mark stale in-progress entries recoverable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInbox(cmd, func(ctx context.Context, inbox *idempotency.Inbox) error {
				n, err := inbox.RecoverStale(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recovered %d entries\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(stats, recoverCmd)
	return cmd
}
