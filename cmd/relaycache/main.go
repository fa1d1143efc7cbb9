package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agentworkforce/relaycache/internal/config"
)

const banner = `
          _                           _
 _ __ ___| | __ _ _   _  ___ __ _  ___| |__   ___
| '__/ _ \ |/ _' | | | |/ __/ _' |/ __| '_ \ / _ \
| | |  __/ | (_| | |_| | (_| (_| | (__| | | |  __/
|_|  \___|_|\__,_|\__, |\___\__,_|\___|_| |_|\___|
                  |___/
`

const usage = `usage: relaycache <command> [-config path]

commands:
  serve    run the offline proxy
  outbox   list queued writes
  replay   send queued writes upstream once
  assets   install and activate the static asset manifest
`

var errUsage = errors.New("unknown command")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "config file (defaults to $RELAYCACHE_CONFIG or the XDG config dir)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}

	switch command {
	case "serve", "outbox", "replay", "assets":
	default:
		return fmt.Errorf("%w: %s", errUsage, command)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	switch command {
	case "outbox":
		return runOutbox(ctx, cfg, logger, stdout)
	case "replay":
		return runReplay(ctx, cfg, logger, stdout)
	case "assets":
		return runAssets(ctx, cfg, logger, stdout)
	default:
		return runServe(ctx, cfg, logger, stdout)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg, err := config.LoadDefault()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, nil
}
