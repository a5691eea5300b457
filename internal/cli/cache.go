package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/trna-workbench/backend/internal/bridge"
	"github.com/trna-workbench/backend/internal/cache"
	"github.com/trna-workbench/backend/internal/model"
	"github.com/trna-workbench/backend/internal/tools"
	"github.com/trna-workbench/backend/internal/worker"
)

// NewCacheCommand creates the cache command and its subcommands. They work on
// the Record Store directly and no clients are notified. A running server
// holds the database exclusively, so they fail until it stops.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the sequence cache while the server is stopped",
	}

	cmd.AddCommand(
		newCacheSizeCommand(rootOpts),
		newCacheGetCommand(rootOpts),
		newCacheSearchCommand(rootOpts),
		newCacheClearCommand(rootOpts),
		newCacheCleanupCommand(rootOpts),
		newCacheAddCommand(rootOpts),
		newCacheAnnotateCommand(rootOpts),
	)
	return cmd
}

// withStore opens the store for one command. Notifications go to a bridge
// with no event loop, so they are skipped.
func withStore(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, store *cache.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := opts.commandLogger()
	defer log.Sync()

	store, closeDB, err := openStore(ctx, opts.Config, log, false)
	if err != nil {
		return err
	}
	defer closeDB()

	store.SetNotifier(bridge.New(log, nil))
	return fn(ctx, store)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCacheSizeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "size",
		Short: "Print record counts of the memory and persistent layers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(ctx context.Context, store *cache.Store) error {
				size, err := store.Size(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), size)
			})
		},
	}
}

func newCacheGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(ctx context.Context, store *cache.Store) error {
				rec, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("%w: %s", model.ErrRecordNotFound, args[0])
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newCacheSearchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <field> <value>",
		Short: "Search records by field (id, friendlyName, externalLink, locations, locationCount)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(ctx context.Context, store *cache.Store) error {
				records, err := store.Search(args[0], args[1])
				if err != nil {
					return err
				}
				if records == nil {
					records = []*model.SequenceRecord{}
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}
}

func newCacheClearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(ctx context.Context, store *cache.Store) error {
				if err := store.ClearAll(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
				return nil
			})
		},
	}
}

func newCacheCleanupCommand(opts *RootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete records older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withStore(opts, cmd, func(ctx context.Context, store *cache.Store) error {
				n, err := store.CleanupOlderThan(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d record(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "maximum record age")
	return cmd
}

func newCacheAddCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <id> <payload.json>",
		Short: "Store a record; locations and name come from the mapping file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var payload model.Payload
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}

			return withStore(opts, cmd, func(ctx context.Context, store *cache.Store) error {
				if err := store.Add(ctx, args[0], payload); err != nil {
					return err
				}
				rec, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newCacheAnnotateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "annotate <id> <slot> -- <program> [args...]",
		Short: "Run an annotation program on a record and store its output in a tool slot",
		Long: fmt.Sprintf(`Run an annotation program with the record's sequence on stdin and store
its stdout in the named tool slot, one of %v.`, model.ToolSlotNames),
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := model.ParseToolSlot(args[1])
			if err != nil {
				return err
			}
			annotator := &tools.Command{Path: args[2], Args: args[3:], Target: slot}

			return withStore(opts, cmd, func(ctx context.Context, store *cache.Store) error {
				log := opts.commandLogger()
				pool := worker.New(1, log)
				runner := tools.NewRunner(store, pool, log)

				var result tools.Result
				if err := runner.Dispatch(args[0], annotator, func(r tools.Result) { result = r }); err != nil {
					return err
				}
				pool.Close()

				if result.Err != nil {
					return result.Err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s output in %s of %s (%s)\n", result.Tool, result.Slot, result.ID, result.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
}
