package main

import (
	"fmt"

	"github.com/kasuganosora/hookhost/core"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newSymbolsCmd prints a symbol map covering every default binding. It is
// the starting point for describing a real host build.
func newSymbolsCmd(cfgPath *string) *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "symbols",
		Short: "Print a symbol map for the default bindings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if version == "" {
				cfg, err := loadConfig(*cfgPath)
				if err != nil {
					return fmt.Errorf("config: %w", err)
				}
				version = cfg.Host.Version
			}
			out, err := yaml.Marshal(core.SymbolMap(version, core.DefaultBindings()))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "host build version (default host.version)")
	return cmd
}
