package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/pybox/internal/history"
)

var (
	historySession string
	historyLimit   int
	historyDB      string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded executions",
	Long: `List executions recorded with exec --history, newest first.

Examples:
  pybox history
  pybox history --session 1f2e3d --limit 5
  pybox history clear --session 1f2e3d`,
	RunE: runHistoryList,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete recorded executions",
	RunE:  runHistoryClear,
}

func init() {
	historyCmd.PersistentFlags().StringVar(&historyDB, "db", defaultHistoryPath(), "history database path")
	historyCmd.PersistentFlags().StringVar(&historySession, "session", "", "restrict to one session")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum records to show")
	historyCmd.AddCommand(historyClearCmd)
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	store, err := openHistory(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(cmd.Context(), historySession, historyLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no recorded executions")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s  session %s  %dms\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.SessionID, r.DurationMS)
		fmt.Printf("  code:   %s\n", oneLine(r.Code))
		if r.Error != "" {
			fmt.Printf("  error:  %s\n", oneLine(r.Error))
		} else if r.Output != "" {
			fmt.Printf("  output: %s\n", oneLine(r.Output))
		}
	}
	return nil
}

func runHistoryClear(cmd *cobra.Command, _ []string) error {
	store, err := openHistory(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Clear(cmd.Context(), historySession)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d records\n", n)
	return nil
}

func openHistory(ctx context.Context) (*history.Store, error) {
	store, err := history.Open(history.Config{Path: historyDB}, newLogger())
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// oneLine compresses a snippet to a single display line.
func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) > 100 {
		s = s[:100] + "..."
	}
	return s
}
