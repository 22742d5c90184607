package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mediaflux/mailrelay/internal/kvstore"
)

const (
	lockKey = "poller:lock"

	// LockTTL bounds how long a crashed holder blocks the next poller.
	LockTTL = 5 * time.Minute

	heartbeatEvery = LockTTL / 2
)

// SingletonLock ensures only one process runs the background poller.
// Preferred backend is the shared store's set-if-absent; when the store is
// unreachable it falls back to an advisory lock file. A process that finds
// the lock held must not start its own loop.
type SingletonLock struct {
	store  kvstore.Store
	path   string
	id     string
	logger *slog.Logger

	viaFile bool
	stop    chan struct{}
}

// NewSingletonLock creates an unacquired lock. path is the fallback lock
// file location; empty disables the file fallback.
func NewSingletonLock(store kvstore.Store, path string, logger *slog.Logger) *SingletonLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &SingletonLock{
		store:  store,
		path:   path,
		id:     uuid.NewString(),
		logger: logger,
	}
}

// Acquire attempts to take the lock. A false return with nil error means
// another process holds it; the caller should skip starting the poller.
// While held, a background heartbeat refreshes the store TTL.
func (l *SingletonLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.store.SetNX(ctx, lockKey, l.id, LockTTL)
	if err != nil {
		l.logger.Warn("lock store unavailable, using file lock", "error", err)
		return l.acquireFile()
	}
	if !ok {
		return false, nil
	}
	l.stop = make(chan struct{})
	go l.heartbeat()
	return true, nil
}

// Release drops the lock. Safe to call when not held.
func (l *SingletonLock) Release(ctx context.Context) {
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	if l.viaFile {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("failed to remove lock file", "path", l.path, "error", err)
		}
		l.viaFile = false
		return
	}
	if err := l.store.Delete(ctx, lockKey); err != nil {
		l.logger.Warn("failed to release poller lock", "error", err)
	}
}

func (l *SingletonLock) acquireFile() (bool, error) {
	if l.path == "" {
		return false, fmt.Errorf("lock store unavailable and no lock file configured")
	}
	// A lock file older than the TTL belongs to a dead holder.
	if info, err := os.Stat(l.path); err == nil {
		if time.Since(info.ModTime()) < LockTTL {
			return false, nil
		}
		os.Remove(l.path)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	fmt.Fprintf(f, "%s %d\n", l.id, os.Getpid())
	f.Close()
	l.viaFile = true
	l.stop = make(chan struct{})
	go l.heartbeat()
	return true, nil
}

func (l *SingletonLock) heartbeat() {
	t := time.NewTicker(heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			if l.viaFile {
				now := time.Now()
				if err := os.Chtimes(l.path, now, now); err != nil {
					l.logger.Warn("failed to refresh lock file", "error", err)
				}
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Set(ctx, lockKey, l.id, LockTTL); err != nil {
				l.logger.Warn("failed to refresh poller lock", "error", err)
			}
			cancel()
		}
	}
}
