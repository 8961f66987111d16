package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// fileStore persists to plain files next to each other.
//
// Files:
//   - <prefix>.schedules.json (snapshot, replaced atomically on every write)
//   - <prefix>.runs.jsonl     (append-only run journal)
//   - <prefix>.lock           (advisory lock shared by every process using the store)
//
// Every operation takes the file lock and re-reads the snapshot, so several
// processes on one host can share the store. Writes rewrite the snapshot via
// tmp + rename.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex // serializes goroutines; flock serializes processes
	fl *flock.Flock

	snapshotPath string
	runsPath     string

	closed bool
	now    func() time.Time
}

type fileSnapshot struct {
	Schedules []task.Schedule `json:"schedules"`
}

const fileLockRetry = 5 * time.Millisecond

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		fl:           flock.New(prefix + ".lock"),
		snapshotPath: prefix + ".schedules.json",
		runsPath:     prefix + ".runs.jsonl",
		now:          time.Now,
	}
	// Fail early on unreadable state rather than on the first poll.
	if err := s.withLock(context.Background(), false, func(*state) (bool, error) { return false, nil }); err != nil {
		return nil, err
	}
	return s, nil
}

// withLock loads the snapshot under the file lock and runs fn on it. When fn
// reports a change the snapshot is written back before the lock is released.
func (s *fileStore) withLock(ctx context.Context, exclusive bool, fn func(st *state) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("file", errClosed)
	}

	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = s.fl.TryLockContext(ctx, fileLockRetry)
	} else {
		ok, err = s.fl.TryRLockContext(ctx, fileLockRetry)
	}
	if err != nil {
		return unavailable("file lock", err)
	}
	if !ok {
		return unavailable("file lock", ctx.Err())
	}
	defer func() {
		if err := s.fl.Unlock(); err != nil {
			s.log.Warn("file store unlock failed", logx.Err(err))
		}
	}()

	st, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(st)
	if err != nil || !changed {
		return err
	}
	if !exclusive {
		return errors.New("file store: write under shared lock")
	}
	return s.save(st)
}

func (s *fileStore) load() (*state, error) {
	st := newState()
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, unavailable("read snapshot", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return st, nil
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.snapshotPath, err)
	}
	for _, sc := range snap.Schedules {
		st.schedules[sc.ID] = sc
	}
	return st, nil
}

func (s *fileStore) save(st *state) error {
	snap := fileSnapshot{Schedules: st.list()}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return unavailable("write snapshot", err)
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return unavailable("write snapshot", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return unavailable("write snapshot", err)
	}
	if err := f.Close(); err != nil {
		return unavailable("write snapshot", err)
	}
	return unavailable("write snapshot", os.Rename(tmp, s.snapshotPath))
}

func (s *fileStore) Upsert(ctx context.Context, sc task.Schedule) (task.Schedule, error) {
	if err := validateSchedule(sc); err != nil {
		return task.Schedule{}, err
	}
	var out task.Schedule
	err := s.withLock(ctx, true, func(st *state) (bool, error) {
		out = st.upsert(sc, s.now())
		return true, nil
	})
	return out, err
}

func (s *fileStore) Replace(ctx context.Context, sc task.Schedule, expected int64) (task.Schedule, bool, error) {
	if err := validateSchedule(sc); err != nil {
		return task.Schedule{}, false, err
	}
	var (
		out task.Schedule
		won bool
	)
	err := s.withLock(ctx, true, func(st *state) (bool, error) {
		out, won = st.replace(sc, expected, s.now())
		return won, nil
	})
	if err != nil {
		return task.Schedule{}, false, err
	}
	return out, won, nil
}

func (s *fileStore) Get(ctx context.Context, id string) (task.Schedule, error) {
	var out task.Schedule
	err := s.withLock(ctx, false, func(st *state) (bool, error) {
		var err error
		out, err = st.get(id)
		return false, err
	})
	return out, err
}

func (s *fileStore) List(ctx context.Context) ([]task.Schedule, error) {
	var out []task.Schedule
	err := s.withLock(ctx, false, func(st *state) (bool, error) {
		out = st.list()
		return false, nil
	})
	return out, err
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	return s.withLock(ctx, true, func(st *state) (bool, error) {
		if err := st.delete(id); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *fileStore) GetDue(ctx context.Context, before time.Time, limit int) ([]task.Schedule, error) {
	var out []task.Schedule
	err := s.withLock(ctx, false, func(st *state) (bool, error) {
		out = st.due(before, limit)
		return false, nil
	})
	return out, err
}

func (s *fileStore) Claim(ctx context.Context, c Claim) (bool, error) {
	var won bool
	err := s.withLock(ctx, true, func(st *state) (bool, error) {
		var err error
		won, err = st.claim(c, s.now())
		return won, err
	})
	return won, err
}

func (s *fileStore) RecordRun(ctx context.Context, r task.TaskRun) error {
	r = normalizeRun(r)
	return s.withLock(ctx, true, func(*state) (bool, error) {
		f, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return false, unavailable("append run", err)
		}
		defer f.Close()
		if err := json.NewEncoder(f).Encode(r); err != nil {
			return false, unavailable("append run", err)
		}
		return false, nil
	})
}

func (s *fileStore) ListRuns(ctx context.Context, f RunFilter) ([]task.TaskRun, error) {
	var out []task.TaskRun
	err := s.withLock(ctx, false, func(*state) (bool, error) {
		runs, err := s.readRuns()
		if err != nil {
			return false, err
		}
		out = filterRuns(runs, f)
		return false, nil
	})
	return out, err
}

func (s *fileStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.withLock(ctx, true, func(*state) (bool, error) {
		runs, err := s.readRuns()
		if err != nil {
			return false, err
		}
		kept := runs[:0]
		for _, r := range runs {
			if r.EndTime.Before(before) {
				n++
				continue
			}
			kept = append(kept, r)
		}
		if n == 0 {
			return false, nil
		}
		return false, s.rewriteRuns(kept)
	})
	return n, err
}

func (s *fileStore) readRuns() ([]task.TaskRun, error) {
	f, err := os.Open(s.runsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("read runs", err)
	}
	defer f.Close()

	var out []task.TaskRun
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r task.TaskRun
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail after a crash; keep going.
			s.log.Debug("skip bad run record", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, unavailable("read runs", err)
	}
	return out, nil
}

func (s *fileStore) rewriteRuns(runs []task.TaskRun) error {
	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return unavailable("prune runs", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return unavailable("prune runs", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return unavailable("prune runs", err)
	}
	if err := f.Close(); err != nil {
		return unavailable("prune runs", err)
	}
	return unavailable("prune runs", os.Rename(tmp, s.runsPath))
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.fl.Close()
}
