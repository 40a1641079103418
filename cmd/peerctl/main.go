package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerctl/internal/logging"
	"github.com/danmuck/peerctl/internal/node"
)

func main() {
	configPath := flag.String("config", "", "path to a peerctl TOML config (defaults apply when empty)")
	initPath := flag.String("init", "", "write an example config to this path and exit")
	force := flag.Bool("force", false, "overwrite an existing file with -init")
	flag.Parse()

	logging.ConfigureRuntime()

	if *initPath != "" {
		if err := writeTemplate(*initPath, *force); err != nil {
			fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
			os.Exit(1)
		}
		log.Info().Msgf("peerctl wrote config template path=%s", *initPath)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := node.DefaultConfig()
	if configPath != "" {
		loaded, err := loadNodeConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go logHangups(ctx)

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	log.Info().Msgf("peerctl started id=%s listen=%s", n.ID(), n.Addr())
	runErr := n.Run(ctx)
	if err := n.Close(); err != nil {
		log.Warn().Msgf("peerctl close err=%v", err)
	}
	return runErr
}

// logHangups keeps SIGHUP from terminating the process.
func logHangups(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			log.Info().Msgf("peerctl received SIGHUP, ignoring")
		}
	}
}
