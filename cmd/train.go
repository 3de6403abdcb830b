package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var trainPurge bool

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run one batch of the pattern trainer",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Processor.ProcessOnce(cmd.Context())
		if err != nil {
			return err
		}

		if trainPurge {
			deleted, err := env.Processor.PurgeProcessed(cmd.Context())
			if err != nil {
				return err
			}
			zap.L().Info("purged processed records", zap.Int("deleted", deleted))
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	trainCmd.Flags().BoolVar(&trainPurge, "purge", false, "also purge processed records past retention")
	rootCmd.AddCommand(trainCmd)
}
