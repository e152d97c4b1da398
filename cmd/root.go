package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"docqa/internal/config"
	"docqa/internal/helper"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "docqa",
	Short: "Answer questions about documents",
	Long: `docqa ingests documents into a vector index and answers questions
about them with a language model, using only the retrieved passages as context.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	helper.SetupLogger(loaded.Log.Level, loaded.Log.Format, os.Stderr)
	log.Debug().Str("config", configPath).Str("backend", loaded.VectorIndex.Backend).Msg("Loaded config")

	cfg = loaded
	return nil
}
