package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/remembr/remembr/internal/config"
	registrymigrate "github.com/remembr/remembr/internal/registry/migrate"

	// Import plugins to trigger init() registration of their migrators.
	_ "github.com/remembr/remembr/internal/plugin/store/postgres"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("REMEMBR_DB_URL"),
				Usage:    "Postgres connection URL",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...")
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
