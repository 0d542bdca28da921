package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-tagger/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "face-tagger",
	Short: "Resolve faces in stored images to persistent identities",
	Long: `Face Tagger detects faces in images from object storage, matches each face
against registered identities and registers a new identity for every face it
has not seen before. Images are tagged with the identities found in them.

It runs as an HTTP API (serve), an MQTT consumer (worker) or one-shot from
the command line (process).`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides LOG_LEVEL)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()

	opts := logger.FromEnv()
	if lvl, _ := rootCmd.PersistentFlags().GetString("log-level"); lvl != "" {
		opts.Level = lvl
	}
	logger.Init(opts)
}
