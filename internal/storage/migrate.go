package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/example/ride-tracking/migrations"
)

// Migrate applies the embedded schema migrations and returns how many ran.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return 0, fmt.Errorf("goose provider: %w", err)
	}
	res, err := provider.Up(ctx)
	if err != nil {
		return len(res), fmt.Errorf("goose up: %w", err)
	}
	return len(res), nil
}
