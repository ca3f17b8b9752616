package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"go-groupwatch/internal/config"
	"go-groupwatch/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:                  "groupwatch",
		Usage:                 "Monitor groups, capture leads and post generated replies",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Sources: cli.EnvVars("GROUPWATCH_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error), overrides the config file",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the callback/trigger API and forward captured leads",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, true, runServe)
				},
			},
			{
				Name:  "work",
				Usage: "Run the job worker pool",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "metrics-addr",
						Usage:   "Address for the worker's /metrics endpoint, empty disables it",
						Value:   ":9091",
						Sources: cli.EnvVars("GROUPWATCH_WORKER_METRICS_ADDR"),
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, true, func(ctx context.Context, a *app) error {
						return runWork(ctx, a, cmd.String("metrics-addr"))
					})
				},
			},
			{
				Name:  "migrate",
				Usage: "Create missing tables",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, false, runMigrate)
				},
			},
			{
				Name:  "accounts",
				Usage: "Manage automation accounts",
				Commands: []*cli.Command{
					{
						Name:  "create",
						Usage: "Create an account and print its id",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "tenant", Usage: "Tenant id", Required: true},
							&cli.StringFlag{Name: "name", Usage: "Display name", Required: true},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							tenant, err := uuid.Parse(cmd.String("tenant"))
							if err != nil {
								return fmt.Errorf("invalid tenant id: %w", err)
							}
							return withApp(ctx, cmd, false, func(ctx context.Context, a *app) error {
								return runCreateAccount(ctx, a, tenant, cmd.String("name"))
							})
						},
					},
					{
						Name:  "login",
						Usage: "Open a visible browser and wait for a manual login",
						Flags: []cli.Flag{accountFlag()},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return withAccount(ctx, cmd, runLogin)
						},
					},
					{
						Name:  "logout",
						Usage: "Sign the account out and drop its stored session",
						Flags: []cli.Flag{accountFlag()},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return withAccount(ctx, cmd, runLogout)
						},
					},
				},
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func accountFlag() cli.Flag {
	return &cli.StringFlag{Name: "account", Usage: "Account id", Required: true}
}

// loadConfig reads the config and installs the process logger.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func withApp(ctx context.Context, cmd *cli.Command, withRedis bool, run func(context.Context, *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, withRedis)
	if err != nil {
		return err
	}
	defer a.Close()
	return run(ctx, a)
}

func withAccount(ctx context.Context, cmd *cli.Command, run func(context.Context, *app, uuid.UUID) error) error {
	id, err := uuid.Parse(cmd.String("account"))
	if err != nil {
		return fmt.Errorf("invalid account id: %w", err)
	}
	return withApp(ctx, cmd, false, func(ctx context.Context, a *app) error {
		return run(ctx, a, id)
	})
}
