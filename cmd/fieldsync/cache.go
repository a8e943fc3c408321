package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oversightlabs/fieldsync/internal/config"
	"github.com/oversightlabs/fieldsync/internal/filecache"
	"github.com/oversightlabs/fieldsync/internal/store"
)

var cacheDirOverride string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the offline document cache",
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&dbPathOverride, "db", "",
		"Database path (overrides config and FIELDSYNC_DB_PATH)")
	cacheCmd.PersistentFlags().StringVar(&cacheDirOverride, "dir", "",
		"Cache directory (overrides config and FIELDSYNC_CACHE_DIR)")
	cacheCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	cacheCmd.AddCommand(cacheInfoCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show cache usage and cached documents",
	Args:  cobra.NoArgs,
	RunE:  runCacheInfo,
}

func runCacheInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, cache, err := resolveCache()
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := cache.Stats(ctx)
	if err != nil {
		return err
	}
	files, err := cache.List(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"stats": stats,
			"files": files,
		})
	}

	fmt.Fprintf(out, "Entries: %d\n", stats.Entries)
	fmt.Fprintf(out, "Used:    %s of %s\n", formatSize(stats.TotalBytes), formatSize(stats.MaxBytes))
	if len(files) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	tw := newTabWriter(out)
	fmt.Fprintln(tw, "DOCUMENT\tNAME\tSIZE\tLAST ACCESSED")
	for _, f := range files {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			f.DocumentID, f.FileName, formatSize(f.FileSize),
			f.LastAccessedAt.Format("2006-01-02 15:04:05 MST"))
	}
	return tw.Flush()
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cached documents",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, cache, err := resolveCache()
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := cache.Stats(ctx)
	if err != nil {
		return err
	}
	if err := cache.ClearAll(ctx); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached documents (%s freed).\n",
		stats.Entries, formatSize(stats.TotalBytes))
	return nil
}

// resolveCache opens the store and builds a cache handle over its index
// table. Downloads are never issued from the CLI, so the source is the
// plain HTTP one.
func resolveCache() (*store.Store, *filecache.Cache, error) {
	dbCfg, cacheCfg, err := config.LoadPaths()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	dbPath := dbPathOverride
	if dbPath == "" {
		dbPath = dbCfg.Path
	}
	cacheDir := cacheDirOverride
	if cacheDir == "" {
		cacheDir = cacheCfg.Dir
	}

	s, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	cache, err := filecache.New(s.DB(), cacheDir, cacheCfg.MaxSizeBytes, filecache.NewHTTPSource())
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, cache, nil
}
