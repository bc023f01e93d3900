package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"botbox/internal/config"
	"botbox/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string

	cfg    *config.Config
	logs   *logging.Logging
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "botbox",
	Short: "botbox - sandboxed chat-bot script engine",
	Long: `botbox runs user-submitted chat-bot scripts in isolated, resource-limited
interpreter cells. A bot reacts to chat messages and periodic jobs through a
small capability API; everything else is out of reach.

Run "botbox serve" to start the control server, then drive it with "botbox call".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}

		level, _ := cfg.LogLevel()
		if verbose {
			level = zapcore.DebugLevel
		}
		logs, err = logging.New(logging.Options{
			Level:      level,
			Format:     cfg.Logging.Format,
			Categories: cfg.Logging.Categories,
		})
		if err != nil {
			return err
		}
		logger = logs.Get(logging.CategoryBoot)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "botbox.yaml", "Config file")

	checkCmd.Flags().StringVar(&checkSender, "sender", "tester", "Sender name passed to OnMessage")
	checkCmd.Flags().StringVarP(&checkMessage, "message", "m", "", "Deliver one message to the script and print its output")

	rootCmd.AddCommand(serveCmd, checkCmd, manCmd, callCmd, runJobCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
