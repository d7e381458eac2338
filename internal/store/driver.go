package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang-migrate/migrate/v4/database"
)

// sqliteDriver adapts the store's *sql.DB to golang-migrate's database
// driver interface. The bundled sqlite drivers bind to other sqlite modules;
// this one rides the connection the store already owns.
type sqliteDriver struct {
	db *sql.DB
	mu sync.Mutex
}

const versionTable = "schema_migrations"

func newMigrateDriver(db *sql.DB) (database.Driver, error) {
	d := &sqliteDriver{db: db}
	if err := d.ensureVersionTable(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *sqliteDriver) ensureVersionTable() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS ` + versionTable + ` (
		version BIGINT NOT NULL PRIMARY KEY,
		dirty BOOLEAN NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating version table: %w", err)
	}
	return nil
}

// Open is part of the interface for URL-based construction; the store always
// passes an instance instead.
func (d *sqliteDriver) Open(string) (database.Driver, error) {
	return nil, fmt.Errorf("sqlite driver is instance-only")
}

func (d *sqliteDriver) Close() error {
	// The store owns the *sql.DB; migration teardown must not close it.
	return nil
}

// Lock serializes migrations within the process. Cross-process writers are
// held off by sqlite's busy timeout.
func (d *sqliteDriver) Lock() error {
	d.mu.Lock()
	return nil
}

func (d *sqliteDriver) Unlock() error {
	d.mu.Unlock()
	return nil
}

func (d *sqliteDriver) Run(migration io.Reader) error {
	script, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("reading migration: %w", err)
	}
	if _, err := d.db.Exec(string(script)); err != nil {
		return fmt.Errorf("applying migration: %w", err)
	}
	return nil
}

func (d *sqliteDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM ` + versionTable); err != nil {
		_ = tx.Rollback()
		return err
	}
	if version >= 0 {
		if _, err := tx.Exec(`INSERT INTO `+versionTable+` (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *sqliteDriver) Version() (int, bool, error) {
	var version int
	var dirty bool
	err := d.db.QueryRow(`SELECT version, dirty FROM ` + versionTable + ` LIMIT 1`).Scan(&version, &dirty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return database.NilVersion, false, nil
	case err != nil:
		return 0, false, err
	}
	return version, dirty, nil
}

func (d *sqliteDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, table := range tables {
		if _, err := d.db.Exec(`DROP TABLE IF EXISTS "` + table + `"`); err != nil {
			return err
		}
	}
	return nil
}
