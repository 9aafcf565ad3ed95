package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"modelforge/internal/metrics"
)

// lockInfo is written into the lock file for diagnostics and ownership checks.
type lockInfo struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// reclaimSuffix names the guard file taken while a stale lock is removed.
const reclaimSuffix = ".reclaim"

// fileLock is an advisory, file-scoped lock. It is created with O_EXCL so at
// most one process holds it; a holder that crashed leaves the file behind,
// which is reclaimed once its mtime is older than the staleness window.
type fileLock struct {
	path  string
	token string
}

func acquireLock(ctx context.Context, path string, stale, poll time.Duration, log zerolog.Logger) (*fileLock, error) {
	token, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}
	host, _ := os.Hostname()
	start := time.Now()
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			info := lockInfo{Token: token, PID: os.Getpid(), Hostname: host, AcquiredAt: time.Now().UTC()}
			werr := json.NewEncoder(f).Encode(info)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, errors.Join(werr, cerr))
			}
			metrics.LedgerLockWaitSeconds.Observe(time.Since(start).Seconds())
			return &fileLock{path: path, token: token}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		if fi, serr := os.Stat(path); serr == nil && stale > 0 && time.Since(fi.ModTime()) > stale {
			holder := readLockInfo(path)
			log.Warn().Str("lock", path).Int("holder_pid", holder.PID).Str("holder_host", holder.Hostname).
				Dur("age", time.Since(fi.ModTime())).Msg("reclaiming stale ledger lock")
			if reclaimStale(path, holder, stale, log) {
				metrics.LedgerStaleLocksTotal.Inc()
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for lock %s: %w", path, ctx.Err())
		case <-time.After(poll):
		}
	}
}

// release removes the lock file if it still belongs to this holder.
func (l *fileLock) release() error {
	if l == nil {
		return nil
	}
	if cur := readLockInfo(l.path); cur.Token != "" && cur.Token != l.token {
		return fmt.Errorf("lock %s was reclaimed by another writer", l.path)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// reclaimStale deletes the lock at path if it is still the lock judged stale.
// Reclaimers serialize on a short-lived guard file so a fresh lock taken by
// another waiter is never removed. It reports whether path may be retried
// immediately.
func reclaimStale(path string, judged lockInfo, stale time.Duration, log zerolog.Logger) bool {
	guard := path + reclaimSuffix
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		// A guard is held for microseconds; an old one was left by a crash.
		if fi, serr := os.Stat(guard); serr == nil && time.Since(fi.ModTime()) > stale {
			log.Warn().Str("guard", guard).Msg("removing abandoned lock reclaim guard")
			_ = os.Remove(guard)
		}
		return false
	}
	_ = g.Close()
	defer os.Remove(guard)

	fi, err := os.Stat(path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	cur := readLockInfo(path)
	if time.Since(fi.ModTime()) <= stale || cur.Token != judged.Token || !cur.AcquiredAt.Equal(judged.AcquiredAt) {
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return true
}

func readLockInfo(path string) lockInfo {
	var info lockInfo
	b, err := os.ReadFile(path)
	if err != nil {
		return info
	}
	_ = json.Unmarshal(b, &info)
	return info
}
