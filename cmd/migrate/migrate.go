package migrate

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations
var Migrations embed.FS

func open(ctx context.Context, dsn string, path fs.FS) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	goose.SetBaseFS(path)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(ctx context.Context, dsn string, path fs.FS) error {
	db, err := open(ctx, dsn, path)
	if err != nil {
		return err
	}
	defer db.Close()

	return goose.UpContext(ctx, db, "migrations")
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, dsn string, path fs.FS) error {
	db, err := open(ctx, dsn, path)
	if err != nil {
		return err
	}
	defer db.Close()

	return goose.DownContext(ctx, db, "migrations")
}
