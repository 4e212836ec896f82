// Command sshenginedemo is a thin CLI harness exercising the engine end to
// end: connect, open a terminal, run one command, print its output, and
// disconnect. It is not a supported client; it exists to demonstrate the
// Go API surface, grounded on cmd/server/main.go's setup/signal/shutdown
// idiom adapted from an HTTP server to a one-shot CLI run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	engine "github.com/sshengine/engine"
	"github.com/sshengine/engine/internal/ptymanager"
)

func main() {
	host := flag.String("host", "", "SSH host")
	port := flag.Int("port", 22, "SSH port")
	user := flag.String("user", "", "SSH user")
	keyPath := flag.String("key", "", "path to private key (omit to use -password)")
	password := flag.String("password", "", "password, if -key is omitted")
	command := flag.String("command", "echo hello", "command to run in the demo terminal")
	hostKeyStore := flag.String("hostkeys", "sshengine_hostkeys.json", "path to the host key store file")
	pretty := flag.Bool("pretty", true, "pretty-print logs to stderr")
	flag.Parse()

	setupLogger(*pretty)

	if *host == "" || *user == "" {
		log.Fatal().Msg("-host and -user are required")
	}

	e, err := engine.Open(*hostKeyStore, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open engine")
	}

	profile := engine.Profile{
		ID:   "demo",
		Name: "demo",
		Host: *host,
		Port: *port,
		User: *user,
	}
	if *keyPath != "" {
		profile.Auth = engine.AuthKey
		profile.KeyPath = *keyPath
	} else {
		profile.Auth = engine.AuthPassword
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go watchSignals(cancel)
	go pumpEvents(e)

	connID, err := e.SSHConnect(ctx, profile, *password)
	if err != nil {
		log.Fatal().Err(err).Msg("ssh_connect failed")
	}
	log.Info().Str("connection_id", connID).Msg("connected")
	defer func() {
		if derr := e.SSHDisconnect(connID); derr != nil {
			log.Error().Err(derr).Msg("ssh_disconnect failed")
		}
	}()

	termID, err := e.TerminalCreate(connID, ptymanager.CreateParams{StartupCommand: *command})
	if err != nil {
		log.Fatal().Err(err).Msg("terminal_create failed")
	}
	log.Info().Str("terminal_id", termID).Msg("terminal opened")

	select {
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
	}

	if err := e.TerminalClose(connID, termID); err != nil {
		log.Error().Err(err).Msg("terminal_close failed")
	}
}

func pumpEvents(e *engine.Engine) {
	for {
		select {
		case ev, ok := <-e.TerminalOutputEvents():
			if !ok {
				return
			}
			fmt.Fprintf(os.Stdout, "[%s] %s", ev.TerminalID, ev.Data)
		case ev, ok := <-e.ConnectionStatusEvents():
			if !ok {
				return
			}
			log.Info().Str("connection_id", ev.ConnectionID).Str("status", ev.Status).Str("detail", ev.Detail).Msg("status changed")
		}
	}
}

func watchSignals(cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("interrupted, shutting down")
	cancel()
}

func setupLogger(pretty bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
