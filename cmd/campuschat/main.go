// Command campuschat is a terminal client for the campus chatbot.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/xiaot623/gogo/campuschat/internal/app"
	"github.com/xiaot623/gogo/campuschat/internal/config"
)

func main() {
	flags := pflag.NewFlagSet("campuschat", pflag.ExitOnError)
	configPath := flags.String("config", "", "YAML config file (overrides CAMPUSCHAT_CONFIG)")
	backendURL := flags.String("backend", "", "backend REST base URL")
	eventsURL := flags.String("events", "", "websocket URL of the session event stream")
	stateDB := flags.String("state-db", "", "SQLite DSN for durable client state")
	route := flags.String("route", "/chat", "route to open after start-up")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *backendURL != "" {
		cfg.BackendURL = *backendURL
	}
	if *eventsURL != "" {
		cfg.EventsURL = *eventsURL
	}
	if *stateDB != "" {
		cfg.StateDB = *stateDB
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	con := &console{out: os.Stdout}
	a, err := app.New(ctx, cfg, con)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	log.Printf("Backend: %s", cfg.BackendURL)
	a.Start(ctx)

	if _, err := a.Auth.RouteChanged(ctx, *route); err != nil {
		log.Printf("WARN: failed to open %s: %v", *route, err)
	}

	fmt.Println("Campus chat. Type /help for commands.")
	r := &repl{app: a, con: con}
	r.run(ctx, os.Stdin)
}

func setupLogging(level string) {
	switch strings.ToLower(level) {
	case "debug":
		log.SetFlags(log.Ltime | log.Lshortfile)
	case "silent", "off":
		log.SetOutput(io.Discard)
	default:
		log.SetFlags(log.Ltime)
	}
}
