package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oversightlabs/fieldsync/internal/config"
	"github.com/oversightlabs/fieldsync/internal/store"
	"github.com/oversightlabs/fieldsync/internal/types"
)

var (
	dbPathOverride string
	jsonOutput     bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending operation queue",
	Long:  "List and summarize queued remote operations, including dead entries that exhausted their retries.",
}

func init() {
	queueCmd.PersistentFlags().StringVar(&dbPathOverride, "db", "",
		"Database path (overrides config and FIELDSYNC_DB_PATH)")
	queueCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueRetryCmd)
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in drain order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := resolveStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ops, err := s.ListOperations(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, ops)
	}

	if len(ops) == 0 {
		fmt.Fprintln(out, "Queue is empty.")
		return nil
	}

	tw := newTabWriter(out)
	fmt.Fprintln(tw, "ENTITY\tID\tOP\tPRIORITY\tRETRIES\tLAST ERROR")
	for _, op := range ops {
		lastError := op.LastError
		if len(lastError) > 48 {
			lastError = lastError[:45] + "..."
		}
		state := fmt.Sprintf("%d/%d", op.RetryCount, op.MaxRetries)
		if !op.Retryable() {
			state += " (dead)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n",
			op.EntityType, op.EntityID, op.Operation, op.Priority, state, lastError)
	}
	return tw.Flush()
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the queue",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := resolveStore()
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.QueueStats(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, stats)
	}

	fmt.Fprintf(out, "Total:     %d\n", stats.Total)
	fmt.Fprintf(out, "Retryable: %d\n", stats.Retryable)
	fmt.Fprintf(out, "Dead:      %d\n", stats.Dead)
	return nil
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Give dead operations a fresh retry budget",
	Long:  "Re-enqueue every operation that exhausted its retries, so the next sync pass picks it up again.",
	Args:  cobra.NoArgs,
	RunE:  runQueueRetry,
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := resolveStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ops, err := s.ListOperations(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	revived := 0
	for _, op := range ops {
		if op.Retryable() {
			continue
		}
		rec := types.Record{EntityType: op.EntityType, ID: op.EntityID}
		if op.Operation != types.OpDelete {
			if err := json.Unmarshal(op.Payload, &rec); err != nil {
				return fmt.Errorf("decode snapshot for %s %d: %w", op.EntityType, op.EntityID, err)
			}
		}
		if err := s.Enqueue(ctx, &rec, op.Operation, op.Priority); err != nil {
			return err
		}
		revived++
	}

	fmt.Fprintf(out, "Revived %d dead operations.\n", revived)
	return nil
}

// resolveStore opens the local database with optional --db override.
func resolveStore() (*store.Store, error) {
	dbPath := dbPathOverride
	if dbPath == "" {
		dbCfg, _, err := config.LoadPaths()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		dbPath = dbCfg.Path
	}
	return store.Open(dbPath)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatSize returns a human-readable file size.
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
