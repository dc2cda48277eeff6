package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"feedflow/logger"
)

var (
	configPath    string
	endpointsPath string
)

var rootCmd = &cobra.Command{
	Use:   "feedflow",
	Short: "Market data ingestion orchestrator",
	Long: `feedflow pulls market data from a rate-limited vendor API and persists it
to Redis.

It schedules REST endpoints by priority tier and market session, keeps the
request rate under the vendor's per-minute cap, rotates a small pool of
streaming subscriptions across the symbol universe and opens a circuit per
source when the upstream or the store keeps failing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			logger.GetLogger().WithError(err).Warn("error loading .env file")
		}
	},
}

// Execute runs the root command. It returns an error only when the command
// failed before or during startup.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&endpointsPath, "endpoints", "config/endpoints.yml", "path to endpoint catalog")
}
