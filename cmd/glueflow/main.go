package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/glueflow/cmd/glueflow/commands"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(startupLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, Version, Commit, BuildDate)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			log.Warn().Msg("Interrupted")
		}
		log.Error().Err(err).Msg("glueflow failed")
		os.Exit(1)
	}
}

// startupLevel is the level of the global logger used before a command
// builds its telemetry.
func startupLevel() zerolog.Level {
	for _, name := range []string{"GLUEFLOW_LOG_LEVEL", "LOG_LEVEL"} {
		if lvl, err := zerolog.ParseLevel(os.Getenv(name)); err == nil && lvl != zerolog.NoLevel {
			return lvl
		}
	}
	return zerolog.InfoLevel
}
