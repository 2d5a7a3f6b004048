// Command ccproxy runs the API compatibility gateway.
//
// USAGE:
//
//	ccproxy serve --config ccproxy.yaml        Start the gateway
//	ccproxy serve --config FILE --debug        Debug logging
//	ccproxy check-config --config FILE         Validate and print providers
//	ccproxy version                            Print the version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

var (
	version = "dev"
	commit  = "none"
)

const (
	colorGreen = "\033[38;2;23;128;68m"
	bold       = "\033[1m"
	reset      = "\033[0m"
)

const banner = `
  ____ ____ ____  ____   _____  ____   __
 / ___/ ___|  _ \|  _ \ / _ \ \/ /\ \ / /
| |  | |   | |_) | |_) | | | \  /  \ V /
| |__| |___|  __/|  _ <| |_| /  \   | |
 \____\____|_|   |_| \_\\___/_/\_\  |_|
`

func printBanner() {
	fmt.Print(colorGreen + bold + banner + reset + "\n")
}

// loadEnvFiles loads .env from standard locations.
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	configEnv := filepath.Join(homeDir, ".config", "ccproxy", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Local .env fills anything still unset.
	_ = godotenv.Load()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ccproxy: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:  "ccproxy",
		Usage: "API compatibility gateway for Anthropic, OpenAI, Codex and Bedrock",
		Commands: []*cli.Command{
			serveCommand(),
			checkConfigCommand(),
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(_ context.Context, cmd *cli.Command) error {
					fmt.Fprintf(cmd.Root().Writer, "ccproxy %s (%s)\n", version, commit)
					return nil
				},
			},
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to config file",
		Value:   "ccproxy.yaml",
		Sources: cli.EnvVars("CCPROXY_CONFIG"),
	}
}
