// Package postgres implements the store on GORM + PostgreSQL with
// pgvector similarity search and row-level org isolation.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/remembr/remembr/internal/config"
	registrymigrate "github.com/remembr/remembr/internal/registry/migrate"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/security"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.Store, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.DBURL == "" {
				return nil, fmt.Errorf("postgres store: REMEMBR_DB_URL is required")
			}
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return &PostgresStore{db: db, cfg: cfg}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }
func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.MigrateAtStart {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	// Apply the embedded schema.
	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// PostgresStore implements registrystore.Store using GORM + PostgreSQL.
type PostgresStore struct {
	db  *gorm.DB
	cfg *config.Config
}

// NewForTesting wraps an existing gorm handle. Test helper.
func NewForTesting(db *gorm.DB, cfg *config.Config) *PostgresStore {
	return &PostgresStore{db: db, cfg: cfg}
}

// tenantTx runs fn inside a transaction bound to the given org. The
// binding drives the row-level policies on the memory tables.
func (s *PostgresStore) tenantTx(ctx context.Context, orgID uuid.UUID, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT set_config('remembr.current_org_id', ?, true)", orgID.String()).Error; err != nil {
			return err
		}
		return fn(tx)
	})
}

// serviceTx runs fn as background maintenance: the service-mode binding
// lets the transaction cross org boundaries. Only the enrichment
// sweeper uses it.
func (s *PostgresStore) serviceTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT set_config('remembr.service_mode', 'on', true)").Error; err != nil {
			return err
		}
		return fn(tx)
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

func timed(operation string, start time.Time) {
	if security.StoreLatency != nil {
		security.StoreLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

var _ registrystore.Store = (*PostgresStore)(nil)
