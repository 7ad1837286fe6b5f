package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/edgechat/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("configgen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	kind := fs.String("kind", config.KindServer, "config kind: server|client")
	output := fs.String("output", "", "output path for config template (defaults to per-kind cmd path, - for stdout)")
	validate := fs.Bool("validate", false, "validate an existing config file")
	input := fs.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := fs.Bool("force", false, "overwrite existing config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	defaultPath, err := defaultPathFor(*kind)
	if err != nil {
		fmt.Fprintf(stderr, "configgen: %v\n", err)
		return 1
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		if err := config.Validate(path, *kind); err != nil {
			fmt.Fprintf(stderr, "configgen: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Validated %s config at %s\n", *kind, path)
		return 0
	}

	target := *output
	if target == "-" {
		text, err := config.Template(*kind)
		if err != nil {
			fmt.Fprintf(stderr, "configgen: %v\n", err)
			return 1
		}
		fmt.Fprint(stdout, text)
		return 0
	}
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		fmt.Fprintf(stderr, "configgen: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Wrote %s config template to %s\n", *kind, target)
	return 0
}

func defaultPathFor(kind string) (string, error) {
	switch kind {
	case config.KindServer:
		return "cmd/server/config.toml", nil
	case config.KindClient:
		return "cmd/client/config.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}
