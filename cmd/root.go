package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "donations",
	Short: "Donation service for recording gifts and tracking campaign progress",
	Long: `A service that records donations, applies payment processor webhooks
exactly once, and keeps campaign and donor totals consistent.`,
	Run: func(cmd *cobra.Command, args []string) {
		err := cmd.Help()
		if err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize()
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", ".", "directory holding config.yaml or app.env")
}
