package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "habgate",
		Short:        "Reverse proxy and real-time state distributor for a home-automation REST backend",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "habgate.json", "path to config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the proxy (default command)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Validate the config file and exit",
			RunE: func(_ *cobra.Command, _ []string) error {
				return runCheckConfig(configPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(_ *cobra.Command, _ []string) {
				fmt.Printf("habgate %s (%s)\n", version, commit)
			},
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
