package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "hookhost",
		Short:        "hookhost runs server plugins inside a game server process",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config/config.yaml", "config file (YAML)")
	root.AddCommand(newServeCmd(&cfgPath), newSymbolsCmd(&cfgPath))
	return root
}
