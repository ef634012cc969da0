package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/store"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show finished retry sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := loadHistory(limit)
			if err != nil {
				return err
			}

			if asJSON {
				out, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			if len(records) == 0 {
				fmt.Println("No finished sessions recorded.")
				return nil
			}
			for _, rec := range records {
				fmt.Printf("%s  %-9s  post=%s  attempts=%d",
					rec.EndedAt.Local().Format(time.DateTime), rec.Outcome, rec.PostID, rec.AttemptsUsed)
				if rec.Reason != "" {
					fmt.Printf("  (%s)", rec.Reason)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

// loadHistory prefers the running daemon so it sees uncommitted WAL state,
// falling back to opening the database directly.
func loadHistory(limit int) ([]store.SessionRecord, error) {
	if body, err := daemonGet(fmt.Sprintf("/api/history?limit=%d", limit)); err == nil {
		var records []store.SessionRecord
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("parse daemon response: %w", err)
		}
		return records, nil
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	defer db.Close()
	return db.History(limit)
}
