package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rubiojr/panhub/cmd"
	"github.com/rubiojr/panhub/pkg/config"
	"github.com/rubiojr/panhub/pkg/log"
)

func main() {
	app := &cli.Command{
		Name:  "panhub",
		Usage: "Search cloud drive share links across plugins and Telegram channels",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: getDefaultConfigPathOrExit(),
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if !log.InitFromEnv() {
				return ctx, fmt.Errorf("invalid %s value %q", log.EnvLevel, os.Getenv(log.EnvLevel))
			}
			log.SetGlobalDebug(c.Bool("debug"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			cmd.InitCommand(),
			cmd.SearchCommand(),
			cmd.ServeCommand(),
			cmd.HotCommand(),
			cmd.VersionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		stdlog.Fatal(err)
	}
}

func getDefaultConfigPathOrExit() string {
	path, err := config.GetDefaultConfigPath()
	if err != nil {
		stdlog.Fatalf("Failed to get default config path: %v", err)
	}
	return path
}
