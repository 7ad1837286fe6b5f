package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgechat/internal/config"
	"github.com/danmuck/edgechat/internal/logging"
	"github.com/danmuck/edgechat/internal/server"
)

func main() {
	if _, err := logging.ConfigureRuntime(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
	}
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

// run serves until ctx is done or a shutdown signal arrives and returns the
// process exit code.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to server config TOML (defaults apply when empty)")
	addr := fs.String("addr", "", "listen address, overrides config and PORT")
	mdns := fs.Bool("mdns", false, "advertise the server over mDNS")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		return fail(stderr, err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *mdns {
		cfg.Discovery = true
	}

	svc := server.NewServiceWithConfig(cfg)
	if err := svc.Run(ctx); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func fail(stderr io.Writer, err error) int {
	log.Error().Err(err).Msg("server stopped")
	fmt.Fprintf(stderr, "server: %v\n", err)
	return 1
}
