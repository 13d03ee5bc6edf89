package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/enrich-cli/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prepare the enrichment cache",
}

var cacheMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the cache and run-history tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		fmt.Fprintf(os.Stderr, "Migrated %s store.\n", cfg.Store.Driver)
		return nil
	},
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <namespace> <key>",
	Short: "Print one cache entry and its staleness",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entry, err := st.GetEntry(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "cache get")
		}
		if entry == nil {
			return eris.Errorf("cache get: no entry for %s/%s", args[0], args[1])
		}
		return formatCacheEntry(os.Stdout, entry, cfg.Pipeline.StalenessDays, time.Now())
	},
}

func init() {
	cacheCmd.AddCommand(cacheMigrateCmd)
	cacheCmd.AddCommand(cacheGetCmd)
	rootCmd.AddCommand(cacheCmd)
}

// formatCacheEntry writes entry metadata then its payload, indented when
// it is valid JSON.
func formatCacheEntry(out io.Writer, entry *model.CacheEntry, stalenessDays int, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Namespace:\t%s\n", entry.Namespace)
	_, _ = fmt.Fprintf(w, "Key:\t%s\n", entry.Key)
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", entry.CreatedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Updated:\t%s\n", entry.UpdatedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Stale:\t%t\n", entry.IsStale(now, model.StalenessThreshold(stalenessDays)))
	if err := w.Flush(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, entry.Payload, "", "  "); err != nil {
		buf.Reset()
		buf.Write(entry.Payload)
	}
	buf.WriteByte('\n')
	_, err := out.Write(buf.Bytes())
	return err
}
