package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Apurer/go-eventsourcing-server/internal/app"
	platformconfig "github.com/Apurer/go-eventsourcing-server/internal/platform/config"
	"github.com/Apurer/go-eventsourcing-server/internal/platform/migrations"
	platformpostgres "github.com/Apurer/go-eventsourcing-server/internal/platform/postgres"
)

// nodeFactory wires the node a command runs against.
type nodeFactory func(ctx context.Context, cfg app.Config) (*app.Node, error)

func defaultNode(ctx context.Context, cfg app.Config) (*app.Node, error) {
	node, err := app.Build(ctx, cfg, nil, app.WithoutTemporal())
	if err != nil {
		return nil, err
	}
	if !node.Storage.Durable() {
		node.Close()
		return nil, errors.New("POSTGRES_DSN must point at the event store database")
	}
	return node, nil
}

type cli struct {
	out     io.Writer
	newNode nodeFactory
	cfg     app.Config
	verbose bool
}

func newRootCommand(out io.Writer, newNode nodeFactory) *cobra.Command {
	c := &cli{out: out, newNode: newNode}
	root := &cobra.Command{
		Use:           "esctl",
		Short:         "Operate the event store: rebuild projections, replay dead letters, inspect sagas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if c.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			if err := platformconfig.LoadDotEnv(); err != nil {
				return err
			}
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log at debug level")
	root.AddCommand(
		c.rebuildProjection(),
		c.replayDeadLetters(),
		c.inspectSaga(),
		c.migrate(),
	)
	return root
}

func (c *cli) withNode(cmd *cobra.Command, fn func(*app.Node) (any, error)) error {
	node, err := c.newNode(cmd.Context(), c.cfg)
	if err != nil {
		return err
	}
	defer node.Close()
	result, err := fn(node)
	if err != nil {
		return err
	}
	return c.print(result)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) rebuildProjection() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-projection <name>",
		Short: "Replay the journal into a fresh generation of a projection and swap it in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withNode(cmd, func(node *app.Node) (any, error) {
				return node.Service.RebuildProjection(cmd.Context(), args[0])
			})
		},
	}
}

func (c *cli) replayDeadLetters() *cobra.Command {
	return &cobra.Command{
		Use:   "replay-dead-letters <consumer>",
		Short: "Re-apply the pending dead letters of a projection or consumer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withNode(cmd, func(node *app.Node) (any, error) {
				return node.Service.ReplayDeadLetters(cmd.Context(), args[0])
			})
		},
	}
}

func (c *cli) inspectSaga() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect-saga <saga_id>",
		Short: "Print the stored state of a saga instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withNode(cmd, func(node *app.Node) (any, error) {
				return node.Service.InspectSaga(cmd.Context(), args[0])
			})
		},
	}
}

func (c *cli) migrate() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := platformpostgres.Connect(cmd.Context(), c.cfg.PostgresDSN, platformpostgres.Options{})
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := migrations.Run(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return c.print(map[string]string{"status": "migrated"})
		},
	}
}
