// Package storetest is the conformance suite every storage driver runs.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/trigger"
)

// Harness opens stores for the suite.
type Harness struct {
	// Open returns a store over empty backing data. Cleanup is registered on t.
	Open func(t *testing.T) storage.Store
	// Peer opens a second handle on the data of the store most recently
	// returned by Open (another process, as far as the driver can tell).
	// Nil skips the cross-handle tests.
	Peer func(t *testing.T) storage.Store
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(id string, next time.Time) task.Schedule {
	return task.Schedule{
		ID:           id,
		TaskRef:      "echo",
		Trigger:      trigger.Interval(time.Minute),
		Payload:      json.RawMessage(`{"msg":"hi"}`),
		NextFireTime: task.TimePtr(next),
		Enabled:      true,
		Misfire:      task.MisfireSkip,
		MisfireGrace: 5 * time.Second,
		Timeout:      time.Second,
		MaxInstances: 2,
		RetryMax:     1,
	}
}

// Run executes the suite. Subtests are sequential: Peer relies on Open order.
func Run(t *testing.T, h Harness) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"UpsertBumpsVersion", testUpsertBumpsVersion},
		{"UpsertRejectsMissingFields", testUpsertRejectsMissingFields},
		{"RoundTripFields", testRoundTripFields},
		{"NotFound", testNotFound},
		{"DisabledHasNoNextFireTime", testDisabledHasNoNextFireTime},
		{"GetDueOrderAndLimit", testGetDueOrderAndLimit},
		{"ClaimCompareAndSwap", testClaimCompareAndSwap},
		{"ClaimDelete", testClaimDelete},
		{"ReplaceIsConditional", testReplaceIsConditional},
		{"ReplaceAfterClaimLoses", testReplaceAfterClaimLoses},
		{"PausedByRoundTrip", testPausedByRoundTrip},
		{"DeleteRemovesFromDue", testDeleteRemovesFromDue},
		{"Runs", testRuns},
		{"ConcurrentClaim", testConcurrentClaim},
		{"PeerSeesWrites", testPeerSeesWrites},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, h) })
	}
}

func testUpsertBumpsVersion(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)

	first, err := st.Upsert(ctx, sample("a", base))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("version = %d, want 1", first.Version)
	}
	if first.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}

	upd := sample("a", base.Add(time.Hour))
	upd.TaskRef = "exec"
	second, err := st.Upsert(ctx, upd)
	if err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("version = %d, want 2", second.Version)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}

	got, err := st.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 2 || got.TaskRef != "exec" || !got.NextFireTime.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected stored schedule: %+v", got)
	}
}

func testUpsertRejectsMissingFields(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)
	if _, err := st.Upsert(ctx, task.Schedule{TaskRef: "echo"}); !errors.Is(err, task.ErrInvalidSchedule) {
		t.Fatalf("missing id: err = %v", err)
	}
	if _, err := st.Upsert(ctx, task.Schedule{ID: "x"}); !errors.Is(err, task.ErrInvalidSchedule) {
		t.Fatalf("missing task: err = %v", err)
	}
}

func testRoundTripFields(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)

	start := base.Add(-24 * time.Hour)
	end := base.Add(365 * 24 * time.Hour)
	sc := sample("cal", base)
	sc.Trigger = trigger.Spec{
		Kind:     trigger.KindCalendar,
		Calendar: &trigger.CalendarInterval{Months: 1, Hour: 3, Minute: 15},
		Timezone: "Europe/Berlin",
		Start:    &start,
		End:      &end,
	}
	sc.LastFireTime = task.TimePtr(base.Add(-time.Minute))
	if _, err := st.Upsert(ctx, sc); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := st.Get(ctx, "cal")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Trigger.Kind != trigger.KindCalendar || got.Trigger.Calendar == nil || *got.Trigger.Calendar != *sc.Trigger.Calendar {
		t.Fatalf("trigger = %+v", got.Trigger)
	}
	if got.Trigger.Timezone != "Europe/Berlin" || !got.Trigger.Start.Equal(start) || !got.Trigger.End.Equal(end) {
		t.Fatalf("trigger bounds = %+v", got.Trigger)
	}
	if string(got.Payload) != `{"msg":"hi"}` {
		t.Fatalf("payload = %s", got.Payload)
	}
	if got.Misfire != task.MisfireSkip || got.MisfireGrace != 5*time.Second || got.Timeout != time.Second {
		t.Fatalf("policy fields = %+v", got)
	}
	if got.MaxInstances != 2 || got.RetryMax != 1 {
		t.Fatalf("limits = %d/%d", got.MaxInstances, got.RetryMax)
	}
	if got.LastFireTime == nil || !got.LastFireTime.Equal(base.Add(-time.Minute)) {
		t.Fatalf("last fire = %v", got.LastFireTime)
	}
}

func testNotFound(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)
	if _, err := st.Get(ctx, "nope"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Get: err = %v", err)
	}
	if err := st.Delete(ctx, "nope"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Delete: err = %v", err)
	}
	if _, err := st.Claim(ctx, storage.Claim{ID: "nope", Version: 1}); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Claim: err = %v", err)
	}
}

func testDisabledHasNoNextFireTime(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)
	sc := sample("off", base)
	sc.Enabled = false
	out, err := st.Upsert(ctx, sc)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if out.NextFireTime != nil {
		t.Fatalf("disabled schedule kept next fire time %v", out.NextFireTime)
	}
	got, _ := st.Get(ctx, "off")
	if got.NextFireTime != nil {
		t.Fatalf("stored disabled schedule has next fire time %v", got.NextFireTime)
	}

	on, _ := st.Upsert(ctx, sample("on", base))
	ok, err := st.Claim(ctx, storage.Claim{ID: "on", Version: on.Version, NextFireTime: task.TimePtr(base), Enabled: false})
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	got, _ = st.Get(ctx, "on")
	if got.Enabled || got.NextFireTime != nil {
		t.Fatalf("claimed disabled schedule = enabled:%v next:%v", got.Enabled, got.NextFireTime)
	}
}

func testGetDueOrderAndLimit(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)
	for _, sc := range []task.Schedule{
		sample("b", base.Add(-1*time.Minute)),
		sample("a", base.Add(-3*time.Minute)),
		sample("c", base.Add(-2*time.Minute)),
		sample("exact", base),
		sample("future", base.Add(time.Nanosecond)),
	} {
		if _, err := st.Upsert(ctx, sc); err != nil {
			t.Fatalf("Upsert %s: %v", sc.ID, err)
		}
	}
	off := sample("off", base.Add(-time.Hour))
	off.Enabled = false
	if _, err := st.Upsert(ctx, off); err != nil {
		t.Fatalf("Upsert off: %v", err)
	}

	due, err := st.GetDue(ctx, base, 0)
	if err != nil {
		t.Fatalf("GetDue: %v", err)
	}
	want := []string{"a", "c", "b", "exact"}
	if len(due) != len(want) {
		t.Fatalf("GetDue returned %d schedules, want %d", len(due), len(want))
	}
	for i, id := range want {
		if due[i].ID != id {
			t.Fatalf("due[%d] = %s, want %s", i, due[i].ID, id)
		}
	}

	due, err = st.GetDue(ctx, base, 2)
	if err != nil {
		t.Fatalf("GetDue limit: %v", err)
	}
	if len(due) != 2 || due[0].ID != "a" || due[1].ID != "c" {
		t.Fatalf("GetDue limit = %v", ids(due))
	}
}

func testClaimCompareAndSwap(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)

	last := base.Add(-time.Hour)
	sc := sample("cas", base)
	sc.LastFireTime = &last
	cur, err := st.Upsert(ctx, sc)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	next := base.Add(time.Minute)
	ok, err := st.Claim(ctx, storage.Claim{ID: "cas", Version: cur.Version, NextFireTime: &next, Enabled: true})
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = st.Claim(ctx, storage.Claim{ID: "cas", Version: cur.Version, NextFireTime: &next, Enabled: true})
	if err != nil || ok {
		t.Fatalf("stale claim: ok=%v err=%v", ok, err)
	}

	got, err := st.Get(ctx, "cas")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != cur.Version+1 {
		t.Fatalf("version = %d, want %d", got.Version, cur.Version+1)
	}
	if got.NextFireTime == nil || !got.NextFireTime.Equal(next) {
		t.Fatalf("next = %v, want %v", got.NextFireTime, next)
	}
	if got.LastFireTime == nil || !got.LastFireTime.Equal(last) {
		t.Fatalf("last fire time not kept: %v", got.LastFireTime)
	}

	fired := base
	ok, err = st.Claim(ctx, storage.Claim{ID: "cas", Version: got.Version, NextFireTime: &next, LastFireTime: &fired, Enabled: true})
	if err != nil || !ok {
		t.Fatalf("second claim: ok=%v err=%v", ok, err)
	}
	got, _ = st.Get(ctx, "cas")
	if !got.LastFireTime.Equal(fired) {
		t.Fatalf("last fire = %v, want %v", got.LastFireTime, fired)
	}
}

func testClaimDelete(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)
	cur, _ := st.Upsert(ctx, sample("gone", base))

	ok, err := st.Claim(ctx, storage.Claim{ID: "gone", Version: cur.Version + 7, Delete: true})
	if err != nil || ok {
		t.Fatalf("stale delete: ok=%v err=%v", ok, err)
	}
	ok, err = st.Claim(ctx, storage.Claim{ID: "gone", Version: cur.Version, Delete: true})
	if err != nil || !ok {
		t.Fatalf("delete claim: ok=%v err=%v", ok, err)
	}
	if _, err := st.Get(ctx, "gone"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Get after delete claim: %v", err)
	}
}

func testDeleteRemovesFromDue(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)
	for _, id := range []string{"keep", "drop"} {
		if _, err := st.Upsert(ctx, sample(id, base.Add(-time.Minute))); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if err := st.Delete(ctx, "drop"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	due, err := st.GetDue(ctx, base, 0)
	if err != nil {
		t.Fatalf("GetDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != "keep" {
		t.Fatalf("GetDue after delete = %v", ids(due))
	}
	all, _ := st.List(ctx)
	if len(all) != 1 {
		t.Fatalf("List after delete = %v", ids(all))
	}
}

func testRuns(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)

	mk := func(id, sid string, end time.Time, o task.Outcome) task.TaskRun {
		return task.TaskRun{
			ID: id, ScheduleID: sid, TaskRef: "echo",
			ScheduledAt: end.Add(-2 * time.Second), StartTime: end.Add(-time.Second), EndTime: end,
			Outcome: o, Attempts: 1, Instance: "i1",
		}
	}
	runs := []task.TaskRun{
		mk("r1", "s1", base, task.Success()),
		mk("r2", "s2", base.Add(time.Minute), task.Failure("boom")),
		mk("r3", "s1", base.Add(2*time.Minute), task.Skipped(task.ReasonMaxInstances)),
	}
	for _, r := range runs {
		if err := st.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}
	// Skipped runs never started.
	if err := st.RecordRun(ctx, task.TaskRun{ScheduleID: "s3", TaskRef: "echo", ScheduledAt: base, EndTime: base.Add(3 * time.Minute), Outcome: task.Skipped(task.ReasonShutdown)}); err != nil {
		t.Fatalf("RecordRun without id: %v", err)
	}

	all, err := st.ListRuns(ctx, storage.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 4 || all[0].ScheduleID != "s3" || all[1].ID != "r3" || all[3].ID != "r1" {
		t.Fatalf("ListRuns order = %v", runIDs(all))
	}
	if all[0].ID == "" || !all[0].StartTime.IsZero() {
		t.Fatalf("unstarted run = %+v", all[0])
	}
	if got := all[2]; got.Outcome != task.Failure("boom") || got.Attempts != 1 || got.Instance != "i1" || !got.EndTime.Equal(base.Add(time.Minute)) {
		t.Fatalf("run fields = %+v", got)
	}

	s1, err := st.ListRuns(ctx, storage.RunFilter{ScheduleID: "s1", Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns filter: %v", err)
	}
	if len(s1) != 1 || s1[0].ID != "r3" {
		t.Fatalf("ListRuns s1 = %v", runIDs(s1))
	}

	n, err := st.PruneRuns(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("PruneRuns: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d runs, want 2", n)
	}
	left, _ := st.ListRuns(ctx, storage.RunFilter{})
	if len(left) != 2 {
		t.Fatalf("after prune = %v", runIDs(left))
	}
}

func testConcurrentClaim(t *testing.T, h Harness) {
	ctx := context.Background()
	a := h.Open(t)
	b := a
	if h.Peer != nil {
		b = h.Peer(t)
	}
	cur, err := a.Upsert(ctx, sample("race", base))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	next := base.Add(time.Minute)
	for i := 0; i < 8; i++ {
		st := a
		if i%2 == 1 {
			st = b
		}
		wg.Add(1)
		go func(st storage.Store) {
			defer wg.Done()
			ok, err := st.Claim(ctx, storage.Claim{ID: "race", Version: cur.Version, NextFireTime: &next, Enabled: true})
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(st)
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("%d claims won, want exactly 1", got)
	}
}

func testPeerSeesWrites(t *testing.T, h Harness) {
	if h.Peer == nil {
		t.Skip("driver has no second handle")
	}
	ctx := context.Background()
	a := h.Open(t)
	b := h.Peer(t)
	if _, err := a.Upsert(ctx, sample("shared", base)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := b.Get(ctx, "shared")
	if err != nil {
		t.Fatalf("peer Get: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("peer version = %d", got.Version)
	}
	if err := b.Delete(ctx, "shared"); err != nil {
		t.Fatalf("peer Delete: %v", err)
	}
	if _, err := a.Get(ctx, "shared"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Get after peer delete: %v", err)
	}
}

func ids(s []task.Schedule) []string {
	out := make([]string, 0, len(s))
	for _, sc := range s {
		out = append(out, sc.ID)
	}
	return out
}

func runIDs(s []task.TaskRun) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, r.ID)
	}
	return out
}

func testReplaceIsConditional(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)

	first, ok, err := st.Replace(ctx, sample("r", base), 0)
	if err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	if first.Version != 1 {
		t.Fatalf("version = %d, want 1", first.Version)
	}
	if _, ok, err := st.Replace(ctx, sample("r", base), 0); err != nil || ok {
		t.Fatalf("create over existing: ok=%v err=%v", ok, err)
	}
	if _, ok, err := st.Replace(ctx, sample("missing", base), 3); err != nil || ok {
		t.Fatalf("replace missing: ok=%v err=%v", ok, err)
	}

	upd := sample("r", base)
	upd.TaskRef = "other"
	if _, ok, err := st.Replace(ctx, upd, first.Version+1); err != nil || ok {
		t.Fatalf("replace with wrong version: ok=%v err=%v", ok, err)
	}
	second, ok, err := st.Replace(ctx, upd, first.Version)
	if err != nil || !ok {
		t.Fatalf("replace: ok=%v err=%v", ok, err)
	}
	if second.Version != first.Version+1 {
		t.Fatalf("version = %d, want %d", second.Version, first.Version+1)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}

	got, err := st.Get(ctx, "r")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TaskRef != "other" || got.Version != second.Version {
		t.Fatalf("stored = %+v", got)
	}
	if _, err := st.Get(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("failed replace created a schedule: %v", err)
	}
}

// A definition read before a claim must not overwrite the claimed state.
func testReplaceAfterClaimLoses(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)

	read, err := st.Upsert(ctx, sample("fired", base))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	next := base.Add(time.Minute)
	ok, err := st.Claim(ctx, storage.Claim{ID: "fired", Version: read.Version, NextFireTime: &next, LastFireTime: task.TimePtr(base), Enabled: true})
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if _, ok, err := st.Replace(ctx, read, read.Version); err != nil || ok {
		t.Fatalf("stale replace: ok=%v err=%v", ok, err)
	}
	got, _ := st.Get(ctx, "fired")
	if got.NextFireTime == nil || !got.NextFireTime.Equal(next) {
		t.Fatalf("next = %v, want %v", got.NextFireTime, next)
	}
	due, err := st.GetDue(ctx, base, 0)
	if err != nil {
		t.Fatalf("GetDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("claimed occurrence is due again: %v", ids(due))
	}
}

func testPausedByRoundTrip(t *testing.T, h Harness) {
	ctx := context.Background()
	st := h.Open(t)

	cur, err := st.Upsert(ctx, sample("p", base))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	ok, err := st.Claim(ctx, storage.Claim{ID: "p", Version: cur.Version, Enabled: false, PausedBy: task.PausedByConfig})
	if err != nil || !ok {
		t.Fatalf("pause claim: ok=%v err=%v", ok, err)
	}
	got, _ := st.Get(ctx, "p")
	if got.Enabled || got.PausedBy != task.PausedByConfig {
		t.Fatalf("paused = enabled:%v by:%q", got.Enabled, got.PausedBy)
	}

	// Upserting a disabled copy keeps the origin.
	again, err := st.Upsert(ctx, got)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if again.PausedBy != task.PausedByConfig {
		t.Fatalf("paused by after upsert = %q", again.PausedBy)
	}
	got, _ = st.Get(ctx, "p")
	if got.PausedBy != task.PausedByConfig {
		t.Fatalf("stored paused by = %q", got.PausedBy)
	}

	next := base.Add(time.Minute)
	ok, err = st.Claim(ctx, storage.Claim{ID: "p", Version: got.Version, NextFireTime: &next, Enabled: true, PausedBy: task.PausedByConfig})
	if err != nil || !ok {
		t.Fatalf("resume claim: ok=%v err=%v", ok, err)
	}
	got, _ = st.Get(ctx, "p")
	if !got.Enabled || got.PausedBy != "" {
		t.Fatalf("resumed = enabled:%v by:%q", got.Enabled, got.PausedBy)
	}
}
