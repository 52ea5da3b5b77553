// Package ha keeps two sync runs for the same board from overlapping, whether
// they come from the scheduler, an API trigger or a second replica.
package ha

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// LockConfig holds configuration for the run lock.
type LockConfig struct {
	// Key names the lock. Runs for different boards use different keys.
	Key string

	// StaleAfter is how old a table-based lock row may get before another
	// process may take it over. Advisory locks die with their session and
	// ignore it.
	StaleAfter time.Duration

	// Identity is written into the lock row so operators can see the holder.
	// Defaults to the pod name, or the hostname and pid.
	Identity string

	// Logger receives lock heartbeat and release failures.
	Logger *slog.Logger
}

// DefaultLockConfig returns the lock configuration for boardID.
func DefaultLockConfig(boardID int64) LockConfig {
	return LockConfig{
		Key:        BoardLockKey(boardID),
		StaleAfter: 30 * time.Minute,
		Identity:   defaultIdentity(),
	}
}

// BoardLockKey is the lock key of board syncs.
func BoardLockKey(boardID int64) string {
	return fmt.Sprintf("worklog-sync:%d", boardID)
}

func (c LockConfig) withDefaults() LockConfig {
	if c.Key == "" {
		c.Key = "worklog-sync"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.Identity == "" {
		c.Identity = defaultIdentity()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
