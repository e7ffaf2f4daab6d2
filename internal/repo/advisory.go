package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultLockKey — ключ advisory lock планировщика.
const DefaultLockKey int64 = 424242

// AdvisoryLock — лидерский lock на pg_try_advisory_lock.
//
// Advisory lock принадлежит сессии, поэтому захвативший его коннект
// удерживается из пула до Release. Если коннект оборвётся, Postgres
// снимет lock сам.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// NewAdvisoryLock создаёт AdvisoryLock.
func NewAdvisoryLock(pool *pgxpool.Pool, key int64) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, key: key}
}

// TryAcquire пытается захватить lock без ожидания.
//
// Если lock уже удерживается, проверяет, что сессия коннекта жива
// и lock за ней. Оборванный коннект отбрасывается, и lock захватывается заново.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		held, err := l.stillHeld(ctx)
		if err == nil && held {
			return true, nil
		}
		// Сессия потеряна: Postgres уже снял lock
		_ = l.conn.Conn().Close(ctx)
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release снимает lock и возвращает коннект в пул.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}

	conn := l.conn
	l.conn = nil

	_, err := conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key)
	if err != nil {
		// Коннект с неснятым lock нельзя возвращать в пул
		_ = conn.Conn().Close(ctx)
		conn.Release()
		return fmt.Errorf("advisory unlock: %w", err)
	}
	conn.Release()
	return nil
}

// stillHeld проверяет по pg_locks, что lock принадлежит сессии удерживаемого коннекта.
func (l *AdvisoryLock) stillHeld(ctx context.Context) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND pid = pg_backend_pid() AND granted AND objsubid = 1
			  AND ((classid::bigint << 32) | objid::bigint) = $1
		)
	`
	var held bool
	if err := l.conn.QueryRow(ctx, query, l.key).Scan(&held); err != nil {
		return false, fmt.Errorf("check advisory lock: %w", err)
	}
	return held, nil
}
