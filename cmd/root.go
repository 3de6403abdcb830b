package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rielpay/payverify/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "payverify",
	Short: "Adaptive payment screenshot verification",
	Long:  "Verifies payment screenshots against expected payments using learned per-issuer extraction patterns, falling back to a vision model only when pattern confidence is insufficient.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
