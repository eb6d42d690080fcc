// Package runlock prevents two migrations from sharing a state directory.
package runlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"
)

// ErrHeld is returned by Acquire helpers when another run owns the lock.
var ErrHeld = errors.New("another migration holds the run lock")

// Lock is a non-blocking mutual-exclusion lock.
type Lock interface {
	// Acquire tries to take the lock and reports whether it did.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if this process still owns it.
	Release(ctx context.Context) error
}

// Key derives the lock name for a state directory.
func Key(stateDir string) string {
	if abs, err := filepath.Abs(stateDir); err == nil {
		stateDir = abs
	}
	return "imgmigrate:" + stateDir
}

// New picks the backend: Redis when a client is given, then a Postgres
// advisory lock when db is given, otherwise a lock file in stateDir.
func New(stateDir string, rdb *redis.Client, db *sql.DB, ttl time.Duration) Lock {
	switch {
	case rdb != nil:
		return NewRedisLock(rdb, Key(stateDir), ttl)
	case db != nil:
		return NewPGAdvisoryLock(db, Key(stateDir))
	default:
		return NewFileLock(stateDir)
	}
}

// Acquire takes l or returns ErrHeld.
func Acquire(ctx context.Context, l Lock) error {
	ok, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		if fl, isFile := l.(*FileLock); isFile {
			if holder := fl.Holder(); holder != "" {
				return fmt.Errorf("%w (%s, lock file %s)", ErrHeld, holder, fl.path)
			}
		}
		return ErrHeld
	}
	return nil
}

// FileLockName is the lock file created inside the state directory.
const FileLockName = ".imgmigrate.lock"

// FileLock is an flock(2) on a file in the state directory. The kernel drops
// the lock when the holding process exits, so a killed run never blocks the
// next one; the file itself only records who holds it.
type FileLock struct {
	path string
	f    *os.File
}

func NewFileLock(stateDir string) *FileLock {
	return &FileLock{path: filepath.Join(stateDir, FileLockName)}
}

func (l *FileLock) Path() string { return l.path }

func (l *FileLock) Acquire(context.Context) (bool, error) {
	if l.f != nil {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("mkdir %s: %w", filepath.Dir(l.path), err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return false, fmt.Errorf("open lock %s: %w", l.path, err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return false, nil
			}
			return false, fmt.Errorf("flock %s: %w", l.path, err)
		}
		// Release unlinks before unlocking, so a lock taken on an unlinked
		// inode is worthless. Retry on the current file.
		if !samePath(f, l.path) {
			f.Close()
			continue
		}
		host, _ := os.Hostname()
		line := fmt.Sprintf("pid=%d host=%s started=%s\n", os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))
		if err := f.Truncate(0); err == nil {
			_, err = f.WriteAt([]byte(line), 0)
		}
		if err != nil {
			f.Close()
			return false, fmt.Errorf("write lock %s: %w", l.path, err)
		}
		l.f = f
		return true, nil
	}
	return false, nil
}

func samePath(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	cur, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, cur)
}

func (l *FileLock) Release(context.Context) error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		err = fmt.Errorf("remove lock %s: %w", l.path, err)
	} else {
		err = nil
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
	return err
}

// Holder returns the lock file's owner line, or "" when there is no file.
// A file left by a killed run still has its line but is not held.
func (l *FileLock) Holder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Clear removes a lock file nobody holds and returns its owner line. It
// returns ErrHeld when a live process still holds the lock.
func (l *FileLock) Clear(ctx context.Context) (string, error) {
	stale := l.Holder()
	if err := Acquire(ctx, l); err != nil {
		return "", err
	}
	return stale, l.Release(ctx)
}

// PGAdvisoryLock uses session-scoped pg_try_advisory_lock. The lock is held
// on a dedicated connection so it is released if the process dies.
type PGAdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
