package lock

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker uses session-level advisory locks. Each held lock pins one
// pooled connection until released.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

func (l *PostgresLocker) TryLock(ctx context.Context, key string) (Lock, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, ErrNotAcquired
	}
	return &pgLock{conn: conn, key: key}, nil
}

type pgLock struct {
	conn *pgxpool.Conn
	key  string
}

// Release unlocks and returns the connection. If the unlock fails the
// connection is closed, which drops the session lock with it.
func (l *pgLock) Release(ctx context.Context) error {
	if _, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.key); err != nil {
		conn := l.conn.Hijack()
		_ = conn.Close(ctx)
		return err
	}
	l.conn.Release()
	return nil
}
