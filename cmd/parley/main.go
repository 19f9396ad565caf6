package main

import (
	"os"

	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
)

func main() {
	// Missing .env is fine; explicit config and environment still apply.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "parley",
		Short: "Multi-client session broker",
		Long:  "parley serves durable conversation sessions to multiple concurrent clients over websockets.",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ~/.parley/config.yaml)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newInjectCmd())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
