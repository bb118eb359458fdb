package sqlite

import (
	"database/sql"
	"fmt"

	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
)

func sqlite3Driver(db *sql.DB) (*migratesqlite3.Sqlite, error) {
	driver, err := migratesqlite3.WithInstance(db, &migratesqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("wrapping sqlite3 connection for migration: %s", err)
	}
	return driver, nil
}
