// Command mover runs the crash store's batch jobs: draining the filesystem
// fallback, submitting unprocessed reports to processors and archiving
// processed results.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	gol "github.com/op/go-logging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/CrashVault/internal/archive"
	"github.com/dharsanguruparan/CrashVault/internal/config"
	"github.com/dharsanguruparan/CrashVault/internal/crashstore"
	"github.com/dharsanguruparan/CrashVault/internal/dispatch"
	"github.com/dharsanguruparan/CrashVault/internal/logging"
	"github.com/dharsanguruparan/CrashVault/internal/mover"
	"github.com/dharsanguruparan/CrashVault/internal/pipeline"
	"github.com/dharsanguruparan/CrashVault/internal/storage"
)

var log = gol.MustGetLogger("mover")

var cfg *config.Config

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mover: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mover",
		Short: "CrashVault batch jobs",
		Long: `mover drains the filesystem fallback into the crash store, hands unprocessed
reports to processors and copies processed results to the archive bucket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			logging.Setup(os.Stderr, cfg.LogLevel)
			return nil
		},
	}
	cmd.AddCommand(
		newMoveCmd(),
		newSubmitCmd(),
		newArchiveCmd(),
		newExportCmd(),
	)
	return cmd
}

func pipelineOptions() pipeline.Options {
	return pipeline.Options{Workers: cfg.Workers, QueueSize: cfg.QueueSize, IdleDelay: cfg.IdleDelay}
}

func openClient(ctx context.Context) (*crashstore.Client, error) {
	return storage.OpenStore(ctx, cfg, storage.Transport(cfg))
}

func newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move",
		Short: "Move reports from the filesystem fallback into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fs := storage.OpenFallback(cfg)
			if fs == nil {
				return errors.New("CRASHVAULT_FALLBACK_ROOT is not set")
			}
			pool := storage.NewStorePool(cfg, storage.TransportFactory(cfg))
			defer pool.Close()
			stats, err := mover.New(fs, pool).Run(ctx, pipelineOptions())
			if err != nil {
				return err
			}
			fmt.Printf("moved %d, failed %d\n", stats.Processed, stats.Failed)
			return nil
		},
	}
}

func newSubmitCmd() *cobra.Command {
	var (
		via        string
		limit      int
		table      string
		unprocOnly bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Hand unprocessed reports to processors",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(cfg.Processors) == 0 {
				return errors.New("CRASHVAULT_PROCESSORS is empty")
			}
			policy, err := crashstore.ParseBadEntryPolicy(cfg.BadEntryHandling)
			if err != nil {
				return err
			}
			d, closeDispatcher, err := newDispatcher(via, false)
			if err != nil {
				return err
			}
			defer closeDispatcher()
			client, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if limit == 0 {
				limit = cfg.SubmitLimit
			}
			stats, err := client.SubmitToProcessor(ctx, d, crashstore.SubmitOptions{
				Processors:      cfg.Processors,
				Limit:           limit,
				Table:           table,
				BadEntries:      policy,
				Threshold:       cfg.ResubmitThreshold,
				UnprocessedOnly: unprocOnly,
			})
			fmt.Printf("examined %d, submitted %d, skipped %d, removed %d, failed %d\n",
				stats.Examined, stats.Submitted, stats.Skipped, stats.Removed, stats.Failed)
			return err
		},
	}
	cmd.Flags().StringVar(&via, "via", "queue", "How to reach processors: queue or http")
	cmd.Flags().IntVar(&limit, "limit", 0, "Entries to examine (default CRASHVAULT_SUBMIT_LIMIT)")
	cmd.Flags().StringVar(&table, "table", "", "Index table to scan")
	cmd.Flags().BoolVar(&unprocOnly, "unprocessed-only", false, "Record processor state on the unprocessed index only")
	return cmd
}

func newDispatcher(via string, priority bool) (crashstore.Dispatcher, func(), error) {
	switch via {
	case "queue":
		d := dispatch.NewQueueDispatcher(asynq.NewClient(dispatch.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)), priority)
		return d, func() { d.Close() }, nil
	case "http":
		return dispatch.NewHTTPDispatcher(10*time.Second, priority), func() {}, nil
	}
	return nil, nil, errors.Errorf("unknown dispatch %q", via)
}

func openArchive(ctx context.Context) (*archive.Archive, error) {
	a, err := archive.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func newArchiveCmd() *cobra.Command {
	var (
		queue string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Drain a processed queue into the archive bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openArchive(ctx)
			if err != nil {
				return err
			}
			client, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			n, err := mover.NewArchiver(client, a).DrainQueue(ctx, queue, limit)
			fmt.Printf("archived %d\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&queue, "queue", crashstore.QueueLegacyProcessed, "Processed queue: legacy or priority")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum reports to archive")
	return cmd
}

func newExportCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "export yymmdd",
		Short: "Copy one day's processed results to the archive bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openArchive(ctx)
			if err != nil {
				return err
			}
			client, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			stats, err := mover.NewArchiver(client, a).ExportDay(ctx, args[0], limit, pipelineOptions())
			fmt.Printf("exported %d, failed %d\n", stats.Processed, stats.Failed)
			if err != nil {
				log.Errorf("export %s stopped early: %v", args[0], err)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum reports to export")
	return cmd
}
