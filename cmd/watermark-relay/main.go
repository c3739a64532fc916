// Command watermark-relay runs the Telegram watermark bot.
//
// Photos sent to the bot are watermarked by a remote renderer, echoed back,
// and staged. An operator later publishes staged photos to registered
// channels with /postnow.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fpang/watermark-relay/internal/config"
)

// CLI flags
var (
	portFlag     int
	logLevelFlag string
	envFileFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "watermark-relay",
	Short: "Telegram bot that watermarks photos and publishes them to channels",
	Long: `Watermark Relay receives photos over Telegram, applies a watermark through
a remote rendering service, and stages the results. Operators publish staged
photos to registered channels with /postnow.

Configuration comes from the environment (and an optional .env file).
TELEGRAM_BOT_TOKEN or SSM_BOT_TOKEN_PARAM must be set.

Examples:
  watermark-relay
  watermark-relay --port 8080 --log-level debug
  watermark-relay render --source https://example.com/cat.jpg --out cat.png
  echo "see https://a.io" | watermark-relay caption --header PROMO`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (trace, debug, info, warn, error); overrides WATERMARK_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	rootCmd.Flags().IntVar(&portFlag, "port", 0, "Health server port; overrides PORT (default 3000)")

	rootCmd.AddCommand(renderCmd, captionCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(envFileFlag)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = portFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	return cfg, nil
}
