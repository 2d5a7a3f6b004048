package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/izzoa/ccproxy-api-sub002/internal/config"
	"github.com/izzoa/ccproxy-api-sub002/internal/gateway"
	"github.com/izzoa/ccproxy-api-sub002/internal/monitoring"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"start"},
		Usage:   "Start the gateway",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.BoolFlag{Name: "no-banner", Usage: "suppress startup banner"},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	loadEnvFiles()

	if !cmd.Bool("no-banner") && term.IsTerminal(int(os.Stdout.Fd())) {
		printBanner()
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.Bool("debug") {
		cfg.Monitoring.LogLevel = "debug"
	}

	logger := monitoring.Global(monitoring.LoggerConfig{
		Level:  cfg.Monitoring.LogLevel,
		Format: cfg.Monitoring.LogFormat,
		Output: cfg.Monitoring.LogOutput,
	})

	gw, err := gateway.New(ctx, cfg, gateway.WithLogger(logger), gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(gw.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down gateway: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("stopped gracefully")
	return nil
}

func checkConfigCommand() *cli.Command {
	return &cli.Command{
		Name:   "check-config",
		Usage:  "Validate the config file and list providers",
		Flags:  []cli.Flag{configFlag()},
		Action: checkConfigAction,
	}
}

func checkConfigAction(_ context.Context, cmd *cli.Command) error {
	loadEnvFiles()

	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	out := cmd.Root().Writer
	fmt.Fprintf(out, "%s: ok, listening on %s\n\n", path, cfg.Server.Addr())

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tKIND\tPREFIX\tAUTH\tCREDENTIAL\tBASE URL")
	for _, name := range names {
		p := cfg.Providers[name]
		prefix := p.RoutePrefix
		if prefix == "" {
			prefix = name
		}
		credential := "-"
		switch p.Auth.Type {
		case config.AuthAPIKey, config.AuthBearer:
			credential = monitoring.MaskKey(p.Auth.Key)
		case config.AuthTokenFile:
			credential = p.Auth.TokenFile
		}
		fmt.Fprintf(tw, "%s\t%s\t/%s\t%s\t%s\t%s\n", name, p.Kind, prefix, p.Auth.Type, credential, p.BaseURL)
	}
	return tw.Flush()
}
