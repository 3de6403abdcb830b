package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/rielpay/payverify/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the pattern caches",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache hit/miss statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		out := map[string]cache.Info{
			"issuer":   env.Issuers.Info(),
			"merchant": env.Merchants.Info(),
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var cacheInvalidateIssuer string

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Invalidate cached templates, forcing a reload from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if cacheInvalidateIssuer != "" {
			env.Issuers.Invalidate(cacheInvalidateIssuer)
		} else {
			env.Issuers.InvalidateAll()
			env.Merchants.InvalidateAll()
		}
		return nil
	},
}

func init() {
	cacheInvalidateCmd.Flags().StringVar(&cacheInvalidateIssuer, "issuer", "", "invalidate one issuer only")
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	rootCmd.AddCommand(cacheCmd)
}
