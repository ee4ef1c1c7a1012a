package main

import (
	"os"

	"github.com/spf13/cobra"

	"midnight-ledger/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "ledgerctl", Short: "Operate a shielded ledger engine instance"}

	var env string
	rootCmd.PersistentFlags().StringVar(&env, "env", os.Getenv("SYNN_ENV"), "config environment overlay (e.g. dev, prod)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		_, err := config.Load(env)
		return err
	}

	rootCmd.AddCommand(arenaCmd())
	rootCmd.AddCommand(proveCmd())
	rootCmd.AddCommand(partitionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
