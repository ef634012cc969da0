package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write the default config file",
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := config.CreateDefault()
				if err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file path",
			Run: func(cmd *cobra.Command, args []string) {
				if cfgFile != "" {
					fmt.Println(cfgFile)
					return
				}
				fmt.Println(config.DefaultPath())
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return config.Print(cfg, os.Stdout)
			},
		},
	)

	return cmd
}
