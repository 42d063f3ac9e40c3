// Package database owns the relational side of the crash store: the
// dimension tables that summary jobs key reports by.
package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open pool")
	}
	return pool, nil
}

// Schema creates the dimension tables. Every dimension is unique on its
// natural key so concurrent inserts of the same value converge on one id.
const Schema = `
CREATE TABLE IF NOT EXISTS productdims (
	id SERIAL PRIMARY KEY,
	product TEXT NOT NULL,
	version TEXT NOT NULL,
	release TEXT,
	UNIQUE (product, version)
);
CREATE TABLE IF NOT EXISTS osdims (
	id SERIAL PRIMARY KEY,
	os_name TEXT NOT NULL,
	os_version TEXT NOT NULL,
	UNIQUE (os_name, os_version)
);
CREATE TABLE IF NOT EXISTS urldims (
	id SERIAL PRIMARY KEY,
	domain TEXT NOT NULL,
	url TEXT NOT NULL,
	UNIQUE (domain, url)
);`

// EnsureSchema creates the dimension tables if needed.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return errors.Wrap(err, "ensure schema")
	}
	return nil
}
