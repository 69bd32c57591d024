package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"

	"github.com/dukerupert/nudge/internal/config"
	"github.com/dukerupert/nudge/internal/logging"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "nudge:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "nudge"
	app.Usage = "durable notification scheduler"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to a YAML config file",
			EnvVar: "NUDGE_CONFIG",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error (overrides the config file)",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the scheduler and HTTP API",
			Action: serve,
		},
		{
			Name:   "keys",
			Usage:  "generate a VAPID key pair for web push",
			Action: keys,
		},
		{
			Name:   "list",
			Usage:  "list stored schedules",
			Action: list,
			Flags:  listFlags,
		},
		{
			Name:  "backup",
			Usage: "manage encrypted database backups",
			Subcommands: []cli.Command{
				{
					Name:   "run",
					Usage:  "take a backup now",
					Action: backupRun,
				},
				{
					Name:   "list",
					Usage:  "list recorded backups",
					Action: backupList,
				},
				{
					Name:      "restore",
					Usage:     "replace the database with a backup",
					ArgsUsage: "<backup id | latest>",
					Action:    backupRestore,
				},
			},
		},
	}
	app.Action = serve
	return app
}

// loadConfig reads the configuration named by the global flags and sets up
// the default logger.
func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, nil, err
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, logging.Setup(cfg.Log.Level, cfg.Log.Format), nil
}
