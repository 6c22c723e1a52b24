package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Sentinel errors shared by both store implementations.
var (
	ErrNotFound         = errors.New("not found")
	ErrNotPending       = errors.New("proposal is not pending")
	ErrAlreadyUndone    = errors.New("resolution already undone")
	ErrRetentionExpired = errors.New("retention window expired")
	ErrEdgeNotFound     = errors.New("edge not found")
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
