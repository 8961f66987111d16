package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"taskd/internal/storage"
	"taskd/internal/storage/storetest"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

func openAt(t *testing.T, cfg storage.Config) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", cfg.Driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFileStore(t *testing.T) {
	var path string
	storetest.Run(t, storetest.Harness{
		Open: func(t *testing.T) storage.Store {
			path = filepath.Join(t.TempDir(), "taskd.db")
			return openAt(t, storage.Config{Driver: "file", Path: path})
		},
		Peer: func(t *testing.T) storage.Store {
			return openAt(t, storage.Config{Driver: "file", Path: path})
		},
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "taskd.json")

	st, err := storage.Open(ctx, storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := st.Upsert(ctx, task.Schedule{ID: "a", TaskRef: "echo", Enabled: false}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := st.RecordRun(ctx, task.TaskRun{ScheduleID: "a", TaskRef: "echo", Outcome: task.Success()}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	_ = st.Close()

	if _, err := st.Get(ctx, "a"); !errors.Is(err, task.ErrStoreUnavailable) {
		t.Fatalf("Get on closed store: %v", err)
	}

	for _, name := range []string{"taskd.schedules.json", "taskd.runs.jsonl"} {
		if _, err := os.Stat(filepath.Join(filepath.Dir(path), name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}

	st = openAt(t, storage.Config{Driver: "file", Path: path})
	got, err := st.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Version != 1 || got.TaskRef != "echo" {
		t.Fatalf("unexpected schedule after reopen: %+v", got)
	}
	runs, _ := st.ListRuns(ctx, storage.RunFilter{ScheduleID: "a"})
	if len(runs) != 1 || runs[0].ID == "" {
		t.Fatalf("runs after reopen = %+v", runs)
	}
}

func TestFileStoreSkipsTornRunRecord(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "taskd")
	st := openAt(t, storage.Config{Driver: "file", Path: path})
	if err := st.RecordRun(ctx, task.TaskRun{ID: "ok", ScheduleID: "a", Outcome: task.Success()}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	f, err := os.OpenFile(path+".runs.jsonl", os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = f.WriteString(`{"id":"torn","sched`)
	_ = f.Close()

	runs, err := st.ListRuns(ctx, storage.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "ok" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := storage.Open(context.Background(), storage.Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := storage.Open(context.Background(), storage.Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
}
