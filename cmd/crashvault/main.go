// Command crashvault is the operator's CLI over the crash store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/CrashVault/internal/config"
	"github.com/dharsanguruparan/CrashVault/internal/crashstore"
	"github.com/dharsanguruparan/CrashVault/internal/database"
	"github.com/dharsanguruparan/CrashVault/internal/idcache"
	"github.com/dharsanguruparan/CrashVault/internal/logging"
	"github.com/dharsanguruparan/CrashVault/internal/model"
	"github.com/dharsanguruparan/CrashVault/internal/storage"
)

var cfg *config.Config

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "crashvault: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crashvault",
		Short: "CrashVault admin CLI",
		Long: `crashvault inspects and maintains the crash store: creating tables, reading
reports and queue statistics, flagging reports for priority processing and
resubmitting index entries to processors.`,
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
		newInitCmd(),
		newGetCmd(),
		newStatsCmd(),
		newPriorityCmd(),
		newSignatureCmd(),
		newResubmitCmd(),
		newDimsCmd(),
	)
	return cmd
}

// withClient connects to the store for the duration of fn.
func withClient(ctx context.Context, fn func(*crashstore.Client) error) error {
	client, err := storage.OpenStore(ctx, cfg, storage.Transport(cfg))
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the store tables and the dimension schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			transport := storage.Transport(cfg)
			if bt, ok := transport.(*crashstore.BigtableTransport); ok {
				if err := bt.EnsureTables(ctx); err != nil {
					return err
				}
				fmt.Println("store tables ready")
			}
			if cfg.DatabaseURL != "" {
				pool, err := database.Connect(ctx, cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := database.EnsureSchema(ctx, pool); err != nil {
					return err
				}
				fmt.Println("dimension tables ready")
			}
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	var withDump, raw bool
	cmd := &cobra.Command{
		Use:   "get crash-id",
		Short: "Print a report's metadata, processing state and processed result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := model.StripCrashIDPrefix(args[0])
			return withClient(cmd.Context(), func(c *crashstore.Client) error {
				ctx := cmd.Context()
				if raw {
					return printRawRow(ctx, c, id, withDump)
				}
				report, err := c.GetReport(ctx, id)
				if err != nil {
					return err
				}
				state, err := c.GetProcessingState(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]interface{}{
					"id":       id,
					"metadata": report.Metadata,
					"state":    state,
					"dumpSize": humanize.Bytes(uint64(len(report.Dump))),
				}
				if day, err := model.DateFromCrashID(id); err == nil {
					out["submittedDay"] = day.Format("2006-01-02")
				}
				if report.Processed != nil {
					out["processed"] = report.Processed
				}
				if withDump {
					out["dump"] = report.Dump
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().BoolVar(&withDump, "dump", false, "Include the base64 dump")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print every stored column of the report row")
	return cmd
}

// printRawRow prints the report row column by column. The dump column is
// summarised unless withDump is set.
func printRawRow(ctx context.Context, c *crashstore.Client, id string, withDump bool) error {
	key, err := crashstore.RowKey(id)
	if err != nil {
		return err
	}
	row, err := c.FullRow(ctx, crashstore.TableCrashReports, key)
	if err != nil {
		return err
	}
	columns := make(map[string]string, len(row.Columns))
	for col, v := range row.Columns {
		if col == crashstore.ColumnDump && !withDump {
			columns[col] = humanize.Bytes(uint64(len(v)))
			continue
		}
		columns[col] = string(v)
	}
	return printJSON(map[string]interface{}{"key": row.Key, "columns": columns})
}

func newStatsCmd() *cobra.Command {
	var bucket string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue depths or the counters of a time bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(c *crashstore.Client) error {
				if bucket != "" {
					counters, err := c.Counters(cmd.Context(), bucket)
					if err != nil {
						return err
					}
					return printJSON(counters)
				}
				stats, err := c.QueueStatistics(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "Metrics row, for example 2010-05-23T17")
	return cmd
}

func newPriorityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "priority crash-id...",
		Short: "Flag reports for priority processing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(c *crashstore.Client) error {
				for _, arg := range args {
					if err := c.PutPriorityFlag(cmd.Context(), model.StripCrashIDPrefix(arg)); err != nil {
						return errors.Wrap(err, arg)
					}
				}
				return nil
			})
		},
	}
}

func newSignatureCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "signature name",
		Short: "List the crash ids recorded under a signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(c *crashstore.Client) error {
				ids, err := c.IDsBySignature(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum ids to list")
	return cmd
}

func newResubmitCmd() *cobra.Command {
	var (
		table    string
		prefix   string
		limit    int
		priority bool
	)
	cmd := &cobra.Command{
		Use:   "resubmit",
		Short: "Push every id of an index to processors, round robin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(cfg.Processors) == 0 {
				return errors.New("CRASHVAULT_PROCESSORS is empty")
			}
			d, closeDispatcher, err := newQueueDispatcher(priority)
			if err != nil {
				return err
			}
			defer closeDispatcher()
			return withClient(cmd.Context(), func(c *crashstore.Client) error {
				n, err := c.ResubmitToProcessor(cmd.Context(), d, cfg.Processors, table, prefix, limit)
				fmt.Printf("resubmitted %d\n", n)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&table, "table", crashstore.IndexLegacySubmittedTime, "Index table to read ids from")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Row key prefix after the salt")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum ids to resubmit")
	cmd.Flags().BoolVar(&priority, "priority", false, "Mark the requests as priority")
	return cmd
}

func newDimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dims",
		Short: "Look up or create dimension ids",
	}
	lookup := func(use, short string, nargs int, fn func(ctx context.Context, c *idcache.Cache, args []string) (int64, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(nargs),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				if cfg.DatabaseURL == "" {
					return errors.New("CRASHVAULT_DATABASE_URL is not set")
				}
				pool, err := database.Connect(ctx, cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				id, err := fn(ctx, idcache.New(pool, idcache.Options{Size: cfg.IDCacheSize}), args)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			},
		}
	}
	cmd.AddCommand(
		lookup("product name version", "Product dimension id", 2, func(ctx context.Context, c *idcache.Cache, args []string) (int64, error) {
			return c.ProductID(ctx, args[0], args[1])
		}),
		lookup("os name version", "Operating system dimension id", 2, func(ctx context.Context, c *idcache.Cache, args []string) (int64, error) {
			return c.OSID(ctx, args[0], args[1])
		}),
		lookup("url url", "Url dimension id", 1, func(ctx context.Context, c *idcache.Cache, args []string) (int64, error) {
			return c.URLID(ctx, args[0])
		}),
	)
	return cmd
}
