package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/p-arndt/werkstatt/internal/orchestrator"
)

func statsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print statistics from a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = "http://" + cfg.Listen
			}
			var st orchestrator.Stats
			if err := getJSON(addr, cfg.APIKey, "/v1/stats", &st); err != nil {
				return err
			}
			printStats(os.Stdout, &st, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "daemon base URL (default http://<listen>)")
	return cmd
}

func printStats(out io.Writer, st *orchestrator.Stats, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "backend\t%s\n", st.Mode)
	fmt.Fprintf(w, "scope\t%s\n", st.Scope)
	fmt.Fprintf(w, "active threads\t%s of %s\n", humanize.Comma(int64(st.ActiveCount)), humanize.Comma(int64(st.TotalTracked)))
	fmt.Fprintf(w, "average idle\t%s min\n", humanize.FormatFloat("#,###.#", st.AverageIdleMinutes))
	if st.OldestBindingCreatedAt != nil {
		fmt.Fprintf(w, "oldest binding\t%s\n", humanize.RelTime(*st.OldestBindingCreatedAt, now, "ago", "from now"))
	}
	fmt.Fprintf(w, "interactive sessions\t%d\n", st.ActiveSessions)
	if st.DroppedEvents > 0 {
		fmt.Fprintf(w, "dropped events\t%s\n", humanize.Comma(st.DroppedEvents))
	}

	for _, k := range sortedKeys(st.Sandboxes) {
		fmt.Fprintf(w, "sandboxes %s\t%d\n", k, st.Sandboxes[k])
	}
	for _, k := range sortedKeys(st.Metrics) {
		fmt.Fprintf(w, "%s\t%s\n", k, humanize.Comma(st.Metrics[k]))
	}
	w.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
