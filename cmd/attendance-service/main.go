package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const serviceName = "attendance-service"

func main() {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Clinic attendance queue and patient call service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		logger := newLogger(os.Getenv("ENV"))
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
}
