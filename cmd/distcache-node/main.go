package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "distcache-node",
		Short: "Distributed cache node",
		Long:  "Run a distcache node: replicated key/value storage with tunable consistency",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to the YAML config file")
	rootCmd.AddCommand(serveCmd(), checkCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
