package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oathkey/agent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "oath-agent",
	Short: "OATH security key agent",
	Long: `oath-agent keeps sessions to attached OATH security keys, watches for
insert/remove events and turns credential requests into one-time codes,
coordinating touch prompts and reconnect flows along the way.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newServeCmd(),
		newDevicesCmd(),
		newGenerateCmd(),
		newForgetCmd(),
		newRenameCmd(),
		newSetPasswordCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("oath-agent command failed")
	}
}
