// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError checks if the error is either a SQLITE_BUSY or
// "database is locked" error. Both typically warrant retry logic.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

const (
	retryMaxAttempts = 3
	retryBaseDelay   = 100 * time.Millisecond
)

// RetrySQLiteWrite runs op, retrying with exponential backoff when the store
// reports a SQLite concurrency conflict. Other errors fail immediately.
func RetrySQLiteWrite(ctx context.Context, name string, op func() error) error {
	var err error
	for i := 0; i < retryMaxAttempts; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) {
			return err
		}
		if i < retryMaxAttempts-1 {
			delay := retryBaseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
			slog.Debug("sqlite write conflict, retrying", "op", name, "attempt", i+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, retryMaxAttempts, err)
}
