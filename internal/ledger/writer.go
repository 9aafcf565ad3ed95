package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"modelforge/internal/common/fsutil"
	"modelforge/internal/errs"
	"modelforge/internal/metrics"
)

// Defaults applied by NewWriter.
const (
	defaultLockStale = 10 * time.Minute
	defaultLockWait  = 2 * time.Minute
	defaultLockPoll  = 25 * time.Millisecond
)

// Writer appends records to artifact ledgers.
type Writer struct {
	// LockStale is the age after which an abandoned lock is reclaimed.
	LockStale time.Duration
	// LockWait bounds how long Append waits for a busy lock.
	LockWait time.Duration
	// LockPoll is the retry interval while the lock is busy.
	LockPoll time.Duration
	Now      func() time.Time
	NewID    func() string
	Log      zerolog.Logger
}

// NewWriter returns a Writer with package defaults.
func NewWriter(log zerolog.Logger) *Writer {
	return &Writer{
		LockStale: defaultLockStale,
		LockWait:  defaultLockWait,
		LockPoll:  defaultLockPoll,
		Now:       time.Now,
		NewID:     uuid.NewString,
		Log:       log,
	}
}

// Append adds rec to the ledger in dir, creating the document with a header
// if it does not exist yet. Seq and ID are assigned here; a zero Timestamp is
// set to now, and a timestamp older than the previous record is raised to it
// so the document stays in non-decreasing order. The stored record is returned.
func (w *Writer) Append(ctx context.Context, dir string, rec Record) (Record, error) {
	if !fsutil.IsDir(dir) {
		return Record{}, errs.NotFound(dir, "artifact directory does not exist")
	}
	if !rec.Operation.Valid() {
		return Record{}, errs.Validation(string(rec.Operation), "unknown operation kind")
	}

	lockCtx := ctx
	if w.LockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, w.LockWait)
		defer cancel()
	}
	lockPath := filepath.Join(dir, LockName)
	lk, err := acquireLock(lockCtx, lockPath, w.LockStale, w.poll(), w.Log)
	if err != nil {
		metrics.LedgerAppendsTotal.WithLabelValues(string(rec.Operation), "lock_failed").Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			return Record{}, errs.Timeout(lockPath, err)
		}
		return Record{}, errs.IO(lockPath, err)
	}
	defer func() {
		if rerr := lk.release(); rerr != nil {
			w.Log.Warn().Err(rerr).Str("lock", lockPath).Msg("release ledger lock")
		}
	}()

	stored, err := w.appendLocked(dir, rec)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.LedgerAppendsTotal.WithLabelValues(string(rec.Operation), result).Inc()
	if err != nil {
		return Record{}, err
	}
	w.Log.Debug().Str("model_id", filepath.Base(dir)).Str("op", string(stored.Operation)).
		Int("seq", stored.Seq).Str("record_id", stored.ID).Msg("ledger record appended")
	return stored, nil
}

func (w *Writer) appendLocked(dir string, rec Record) (Record, error) {
	path := filepath.Join(dir, FileName)
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Record{}, errs.IO(path, err)
	}

	now := w.now().UTC()
	var buf bytes.Buffer
	var doc Document
	if len(existing) == 0 {
		hdr := Header{Type: typeHeader, SchemaVersion: SchemaVersion, ModelID: filepath.Base(dir), CreatedAt: now}
		if err := writeLine(&buf, hdr); err != nil {
			return Record{}, errs.IO(path, err)
		}
	} else {
		doc, err = Parse(existing)
		if err != nil {
			return Record{}, errs.IO(path, fmt.Errorf("refusing to append to unreadable ledger: %w", err))
		}
		buf.Write(existing)
	}

	rec.Type = typeRecord
	rec.Seq = len(doc.Records) + 1
	if rec.ID == "" {
		rec.ID = w.newID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if last, ok := doc.Last(); ok && rec.Timestamp.Before(last.Timestamp) {
		rec.Timestamp = last.Timestamp
	}
	if err := writeLine(&buf, rec); err != nil {
		return Record{}, errs.Validation(rec.ID, "record is not encodable: %v", err)
	}

	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return Record{}, errs.IO(path, err)
	}
	return rec, nil
}

func writeLine(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	buf.WriteByte('\n')
	return nil
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Writer) newID() string {
	if w.NewID != nil {
		return w.NewID()
	}
	return uuid.NewString()
}

func (w *Writer) poll() time.Duration {
	if w.LockPoll > 0 {
		return w.LockPoll
	}
	return defaultLockPoll
}
