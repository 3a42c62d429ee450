// cmd/automaton/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "automaton",
	Short:         "Fleet hardening compliance scanner",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// path config.yaml, CONFIG_PATH wins over the default
	def := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		def = v
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", def, "path to config.yaml")

	scanCmd.Flags().Bool("all", false, "scan every active host")
	scanCmd.Flags().Int64Slice("host", nil, "host id to scan (repeatable)")
	scanCmd.Flags().Int("batch-size", 0, "hosts per batch (default from config)")
	scanCmd.Flags().String("requested-by", "cli", "recipient of the run notifications")

	inventoryCmd.AddCommand(inventoryImportCmd)

	rootCmd.AddCommand(apiCmd, workerCmd, allInOneCmd, scanCmd, migrateCmd, inventoryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
