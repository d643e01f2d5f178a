// Package migrate manages the ClickHouse schema of the snapshot sink.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse" // ClickHouse driver.
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var migrations embed.FS

// Migrator manages ClickHouse schema migrations.
type Migrator interface {
	// Up applies all pending migrations.
	Up(ctx context.Context) error
	// Down rolls back the last migration.
	Down(ctx context.Context) error
	// Status returns the current migration version.
	Status(ctx context.Context) (version uint, dirty bool, err error)
}

type migrator struct {
	log logrus.FieldLogger
	dsn string
}

// New creates a new Migrator. dsn is a clickhouse:// URL, see
// export.ClickHouseConfig.MigrationDSN.
func New(log logrus.FieldLogger, dsn string) Migrator {
	return &migrator{
		log: log.WithField("component", "migrate"),
		dsn: dsn,
	}
}

func (m *migrator) Up(_ context.Context) error {
	mig, err := m.open()
	if err != nil {
		return err
	}
	defer mig.Close()

	m.log.Info("Applying snapshot schema migrations")

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, dirty, _ := mig.Version()
	m.log.WithFields(logrus.Fields{
		"version": version,
		"dirty":   dirty,
	}).Info("Snapshot schema up to date")

	return nil
}

func (m *migrator) Down(_ context.Context) error {
	mig, err := m.open()
	if err != nil {
		return err
	}
	defer mig.Close()

	m.log.Info("Rolling back last snapshot schema migration")

	if err := mig.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migration: %w", err)
	}

	return nil
}

func (m *migrator) Status(_ context.Context) (uint, bool, error) {
	mig, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer mig.Close()

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("getting migration version: %w", err)
	}

	return version, dirty, nil
}

func (m *migrator) open() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	dsn, err := withMultiStatement(m.dsn)
	if err != nil {
		return nil, err
	}

	mig, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	return mig, nil
}

// withMultiStatement enables ClickHouse multi-statement migration files.
func withMultiStatement(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing clickhouse dsn: %w", err)
	}

	q := u.Query()
	q.Set("x-multi-statement", "true")
	u.RawQuery = q.Encode()

	return u.String(), nil
}
