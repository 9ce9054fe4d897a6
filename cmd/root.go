package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"avatarcam/config"
	"avatarcam/internal/logging"
)

// GlobalOptions are flags shared by every command
type GlobalOptions struct {
	ConfigFile string
	Verbose    bool
}

var (
	globalOpts = &GlobalOptions{}

	rootCmd = &cobra.Command{
		Use:   "avatarcam",
		Short: "Shared-memory virtual camera relay",
		Long: `avatarcam reads raw 32-bit frames that a renderer publishes into a shared
memory region and relays them to a platform virtual camera, a live preview and
periodic snapshots.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalOpts.ConfigFile, "config", "c", "", "Config file (default: avatarcam.yaml in ., $HOME/.avatarcam or /etc/avatarcam)")
	rootCmd.PersistentFlags().BoolVarP(&globalOpts.Verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(NewRelayCommand())
	rootCmd.AddCommand(NewProduceCommand())
	rootCmd.AddCommand(NewInspectCommand())
}

// setup loads configuration and builds the process logger
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(globalOpts.ConfigFile)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.LogLevel
	if globalOpts.Verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Format: cfg.LogFormat})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
