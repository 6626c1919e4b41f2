package resource

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: func(int) string { return "?" },
	types: map[ColumnType]string{
		ColumnText: "TEXT",
		ColumnReal: "REAL",
		ColumnJSON: "TEXT",
		ColumnTime: "DATETIME",
	},
}

// NewSQLiteRepository opens (or creates) the SQLite database at dbPath and
// makes sure every kind's table exists.
func NewSQLiteRepository(ctx context.Context, dbPath string) (*SQLRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers from the request path and the
	// background reconciliation.
	db.SetMaxOpenConns(1)

	repo := &SQLRepository{db: db, dialect: sqliteDialect}
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}
