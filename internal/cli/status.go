package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// sessionStatus mirrors the daemon's GET /api/session response.
type sessionStatus struct {
	Active           bool   `json:"active"`
	PostID           string `json:"post_id,omitempty"`
	AttemptsUsed     int    `json:"attempts_used"`
	MaxAttempts      int    `json:"max_attempts"`
	RetryPermitted   bool   `json:"retry_permitted"`
	CooldownPending  bool   `json:"cooldown_pending"`
	LastOutcome      string `json:"last_outcome"`
	RapidFailures    int    `json:"rapid_failures"`
	Connected        bool   `json:"connected"`
	ModerationSignal bool   `json:"moderation_signal"`
	RateLimitSignal  bool   `json:"rate_limit_signal"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current retry session",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := daemonGet("/api/session")
			if err != nil {
				return err
			}

			if asJSON {
				fmt.Println(string(body))
				return nil
			}

			var st sessionStatus
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("parse daemon response: %w", err)
			}
			printStatus(st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output raw JSON")
	return cmd
}

func printStatus(st sessionStatus) {
	if !st.Connected {
		fmt.Println("Userscript: not connected")
	} else {
		fmt.Println("Userscript: connected")
	}

	if !st.Active {
		fmt.Printf("Session:    idle (last outcome: %s)\n", st.LastOutcome)
		return
	}

	fmt.Printf("Session:    active on post %s\n", st.PostID)
	fmt.Printf("Attempts:   %d/%d\n", st.AttemptsUsed, st.MaxAttempts)
	switch {
	case st.CooldownPending:
		fmt.Println("State:      cooling down")
	case st.RetryPermitted:
		fmt.Println("State:      waiting for failure signal")
	default:
		fmt.Println("State:      budget spent")
	}
	if st.ModerationSignal {
		fmt.Println("Signal:     moderation marker present")
	}
	if st.RateLimitSignal {
		fmt.Println("Signal:     rate-limit marker present")
	}
	if st.RapidFailures > 0 {
		fmt.Printf("Warning:    %d rapid failures observed\n", st.RapidFailures)
	}
}

// daemonGet fetches a path from the running daemon.
func daemonGet(path string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.Bridge.Listen + path)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s (is 'grokretry serve' running?): %w", cfg.Bridge.Listen, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
