package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config

	// Build information - set by goreleaser via ldflags
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
	BuiltBy = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "grokretry",
	Short: "Auto-retry helper for moderated video generations",
	Long: `grokretry runs a local daemon the browser userscript connects to. It
watches the page for moderation rejections and rate limiting, and
re-submits the captured prompt until the generation succeeds or the
retry budget runs out.

Quick Start:
  grokretry config init      # Write the default config file
  grokretry serve            # Start the local bridge daemon
  grokretry status           # Inspect the current retry session
  grokretry history          # Show finished sessions`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "completion" || cmd.Name() == "init" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			// Use defaults if config doesn't exist
			cfg = config.Default()
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/grokretry/config.toml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newHistoryCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("grokretry %s (commit %s, built %s by %s)\n", Version, Commit, Date, BuiltBy)
		},
	}
}
