package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	sqlStore
	cfg Config
}

// NewPostgresStore creates a new PostgreSQL store instance.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	cfg.applyDefaults()

	return &PostgresStore{
		sqlStore: sqlStore{
			rebind: rebindDollar,
			unique: postgresUnique,
		},
		cfg: cfg,
	}, nil
}

// newPostgresStoreWithDB wraps an open connection, used by tests.
func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		sqlStore: sqlStore{
			db:     db,
			rebind: rebindDollar,
			unique: postgresUnique,
		},
	}
}

// Init opens the connection pool and verifies connectivity.
func (s *PostgresStore) Init(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Migrate runs database migrations.
func (s *PostgresStore) Migrate(_ context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	sourceDriver, err := iofs.New(postgresMigrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// rebindDollar rewrites ? placeholders as $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// postgresUnique maps unique_violation errors to the violated constraint.
func postgresUnique(err error) uniqueKind {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return uniqueNone
	}
	switch pqErr.Constraint {
	case "resources_workspace_name_key":
		return uniqueResourceName
	case "resources_pkey":
		return uniqueResourceID
	case "flights_pkey":
		return uniqueFlightID
	default:
		return uniqueNone
	}
}
