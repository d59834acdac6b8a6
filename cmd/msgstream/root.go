package main

import (
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/auraphone-msgstream/config"
	"github.com/user/auraphone-msgstream/logger"
)

var (
	// Global flags
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "msgstream",
	Short: "Message Stream accessory engine and tools",
	Long: `msgstream runs the accessory side of the Message Stream pairing protocol
over a Unix domain socket, and ships the tools to poke at it: a seeker that
sends single frames, a frame decoder, and an in-process handover demo.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (trace/debug/info/warn/error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seekerCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(configCmd)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// loadConfig reads the config and applies its logging settings
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = strings.ToLower(logLevel)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetJSONFormat(cfg.Log.Format == "json")

	var closer io.Closer = nopCloser{}
	if cfg.Log.File.Enabled {
		closer = logger.EnableFileOutput(cfg.FileOptions())
	}
	return cfg, closer, nil
}
