package store

import (
	"context"
	"fmt"
)

// MemoryDSN selects the in-process ledger.
const MemoryDSN = "memory"

// Open returns the ledger named by dsn: MemoryDSN for an in-process ledger,
// otherwise a migrated Postgres database. The returned func releases it.
func Open(ctx context.Context, dsn string) (Ledger, func(), error) {
	if dsn == MemoryDSN {
		return NewMemory(), func() {}, nil
	}
	pg, err := NewPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Ping(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
