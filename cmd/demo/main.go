package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/privacyresearch/tring"
)

// This is just a demo to ensure the engine loads and answers.
//
// Usage: demo [config.yaml] [call-link]
func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	cfg := tring.DefaultConfig()
	if len(os.Args) > 1 {
		fmt.Printf("Loading %s...\n", os.Args[1])
		var err error
		cfg, err = tring.LoadConfig(os.Args[1])
		if err != nil {
			log.Fatal().Err(err).Msg("could not load config")
		}
	}

	ctx := context.Background()
	bridge, err := tring.New(ctx, cfg, nil, tring.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Engine.Backend).Msg("could not start bridge")
	}
	fmt.Println("Loaded!")

	version, err := bridge.VersionInfo(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("could not read engine version")
	}
	fmt.Println(version)

	if len(os.Args) > 2 {
		key, err := bridge.GetCallLinkBytes(ctx, os.Args[2])
		if err != nil {
			log.Fatal().Err(err).Msg("could not parse call link")
		}
		fmt.Printf("Call link root key: %X\n", key)
	}

	if err := bridge.Close(); err != nil {
		log.Fatal().Err(err).Msg("could not close bridge")
	}
	fmt.Println("finished")
}
