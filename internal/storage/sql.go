package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskd/internal/task"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlStore implements Store on database/sql. The sqlite and postgres drivers
// differ only in placeholder style, migration file and connection setup.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string // "sqlite" | "postgres"
	now     func() time.Time
}

const scheduleColumns = `id, task_ref, trigger_spec, payload, next_fire_ns, last_fire_ns, enabled, paused_by,
	misfire, misfire_grace_ns, timeout_ns, max_instances, retry_max, version, created_ns, updated_ns`

const runColumns = `id, schedule_id, task_ref, scheduled_ns, start_ns, end_ns, outcome, reason, attempts, instance`

func newSQLStore(db *sql.DB, dialect string, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, log: log, dialect: dialect, now: time.Now}
}

// q rewrites '?' placeholders for the dialect.
func (s *sqlStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func migrationStatements(name string) ([]string, error) {
	b, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, stmt := range strings.Split(string(b), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out, nil
}

func execStatements(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Upsert(ctx context.Context, sc task.Schedule) (task.Schedule, error) {
	if err := validateSchedule(sc); err != nil {
		return task.Schedule{}, err
	}
	sc = normalize(sc)
	now := s.now().UTC()
	trig, err := json.Marshal(sc.Trigger)
	if err != nil {
		return task.Schedule{}, err
	}

	row := s.db.QueryRowContext(ctx, s.q(`INSERT INTO taskd_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			task_ref = excluded.task_ref,
			trigger_spec = excluded.trigger_spec,
			payload = excluded.payload,
			next_fire_ns = excluded.next_fire_ns,
			last_fire_ns = excluded.last_fire_ns,
			enabled = excluded.enabled,
			paused_by = excluded.paused_by,
			misfire = excluded.misfire,
			misfire_grace_ns = excluded.misfire_grace_ns,
			timeout_ns = excluded.timeout_ns,
			max_instances = excluded.max_instances,
			retry_max = excluded.retry_max,
			version = taskd_schedules.version + 1,
			updated_ns = excluded.updated_ns
		RETURNING version, created_ns`),
		sc.ID, sc.TaskRef, string(trig), nullPayload(sc.Payload),
		nsPtr(sc.NextFireTime), nsPtr(sc.LastFireTime), sc.Enabled, nullStr(sc.PausedBy), string(sc.Misfire),
		int64(sc.MisfireGrace), int64(sc.Timeout), sc.MaxInstances, sc.RetryMax,
		now.UnixNano(), now.UnixNano(),
	)
	var created int64
	if err := row.Scan(&sc.Version, &created); err != nil {
		return task.Schedule{}, s.fail("upsert", err)
	}
	sc.CreatedAt = time.Unix(0, created).UTC()
	sc.UpdatedAt = now
	return sc, nil
}

func (s *sqlStore) Replace(ctx context.Context, sc task.Schedule, expected int64) (task.Schedule, bool, error) {
	if err := validateSchedule(sc); err != nil {
		return task.Schedule{}, false, err
	}
	sc = normalize(sc)
	now := s.now().UTC()
	trig, err := json.Marshal(sc.Trigger)
	if err != nil {
		return task.Schedule{}, false, err
	}

	var row *sql.Row
	if expected == 0 {
		row = s.db.QueryRowContext(ctx, s.q(`INSERT INTO taskd_schedules (`+scheduleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (id) DO NOTHING
			RETURNING version, created_ns`),
			sc.ID, sc.TaskRef, string(trig), nullPayload(sc.Payload),
			nsPtr(sc.NextFireTime), nsPtr(sc.LastFireTime), sc.Enabled, nullStr(sc.PausedBy), string(sc.Misfire),
			int64(sc.MisfireGrace), int64(sc.Timeout), sc.MaxInstances, sc.RetryMax,
			now.UnixNano(), now.UnixNano(),
		)
	} else {
		row = s.db.QueryRowContext(ctx, s.q(`UPDATE taskd_schedules SET
				task_ref = ?, trigger_spec = ?, payload = ?, next_fire_ns = ?, last_fire_ns = ?,
				enabled = ?, paused_by = ?, misfire = ?, misfire_grace_ns = ?, timeout_ns = ?,
				max_instances = ?, retry_max = ?, version = version + 1, updated_ns = ?
			WHERE id = ? AND version = ?
			RETURNING version, created_ns`),
			sc.TaskRef, string(trig), nullPayload(sc.Payload), nsPtr(sc.NextFireTime), nsPtr(sc.LastFireTime),
			sc.Enabled, nullStr(sc.PausedBy), string(sc.Misfire), int64(sc.MisfireGrace), int64(sc.Timeout),
			sc.MaxInstances, sc.RetryMax, now.UnixNano(),
			sc.ID, expected,
		)
	}
	var created int64
	err = row.Scan(&sc.Version, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Schedule{}, false, nil
	}
	if err != nil {
		return task.Schedule{}, false, s.fail("replace", err)
	}
	sc.CreatedAt = time.Unix(0, created).UTC()
	sc.UpdatedAt = now
	return sc, true, nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (task.Schedule, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+scheduleColumns+` FROM taskd_schedules WHERE id = ?`), id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Schedule{}, task.ErrNotFound
	}
	if err != nil {
		return task.Schedule{}, s.fail("get", err)
	}
	return sc, nil
}

func (s *sqlStore) List(ctx context.Context) ([]task.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM taskd_schedules ORDER BY id`)
	if err != nil {
		return nil, s.fail("list", err)
	}
	return s.collectSchedules(rows, "list")
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM taskd_schedules WHERE id = ?`), id)
	if err != nil {
		return s.fail("delete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *sqlStore) GetDue(ctx context.Context, before time.Time, limit int) ([]task.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM taskd_schedules
		WHERE enabled = ? AND next_fire_ns IS NOT NULL AND next_fire_ns <= ?
		ORDER BY next_fire_ns, id`
	args := []any{true, before.UnixNano()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.fail("due", err)
	}
	return s.collectSchedules(rows, "due")
}

func (s *sqlStore) Claim(ctx context.Context, c Claim) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if c.Delete {
		res, err = s.db.ExecContext(ctx, s.q(`DELETE FROM taskd_schedules WHERE id = ? AND version = ?`), c.ID, c.Version)
	} else {
		next, pausedBy := c.NextFireTime, ""
		if !c.Enabled {
			next, pausedBy = nil, c.PausedBy
		}
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE taskd_schedules
			SET next_fire_ns = ?, last_fire_ns = COALESCE(?, last_fire_ns), enabled = ?,
				paused_by = ?, version = version + 1, updated_ns = ?
			WHERE id = ? AND version = ?`),
			nsPtr(next), nsPtr(c.LastFireTime), c.Enabled, nullStr(pausedBy), s.now().UnixNano(), c.ID, c.Version,
		)
	}
	if err != nil {
		return false, s.fail("claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("claim", err)
	}
	if n > 0 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM taskd_schedules WHERE id = ?`), c.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, task.ErrNotFound
	}
	if err != nil {
		return false, s.fail("claim", err)
	}
	return false, nil
}

func (s *sqlStore) RecordRun(ctx context.Context, r task.TaskRun) error {
	r = normalizeRun(r)
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO taskd_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.ScheduleID, r.TaskRef, r.ScheduledAt.UnixNano(), nsOf(r.StartTime), r.EndTime.UnixNano(),
		string(r.Outcome.Kind), nullStr(r.Outcome.Reason), r.Attempts, nullStr(r.Instance),
	)
	return s.fail("record run", err)
}

func (s *sqlStore) ListRuns(ctx context.Context, f RunFilter) ([]task.TaskRun, error) {
	var (
		where []string
		args  []any
	)
	if f.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if !f.Since.IsZero() {
		where = append(where, "end_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	query := `SELECT ` + runColumns + ` FROM taskd_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY end_ns DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.fail("list runs", err)
	}
	defer rows.Close()

	var out []task.TaskRun
	for rows.Next() {
		var (
			r                task.TaskRun
			scheduled, end   int64
			start            sql.NullInt64
			kind             string
			reason, instance sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.TaskRef, &scheduled, &start, &end, &kind, &reason, &r.Attempts, &instance); err != nil {
			return nil, s.fail("list runs", err)
		}
		r.ScheduledAt = time.Unix(0, scheduled).UTC()
		r.StartTime = timeOf(start)
		r.EndTime = time.Unix(0, end).UTC()
		r.Outcome = task.Outcome{Kind: task.OutcomeKind(kind), Reason: reason.String}
		r.Instance = instance.String
		out = append(out, r)
	}
	return out, s.fail("list runs", rows.Err())
}

func (s *sqlStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM taskd_runs WHERE end_ns < ?`), before.UnixNano())
	if err != nil {
		return 0, s.fail("prune runs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (task.Schedule, error) {
	var (
		sc               task.Schedule
		trig             string
		payload, paused  sql.NullString
		next, last       sql.NullInt64
		misfire          string
		grace, timeout   int64
		created, updated int64
	)
	if err := row.Scan(&sc.ID, &sc.TaskRef, &trig, &payload, &next, &last, &sc.Enabled, &paused, &misfire,
		&grace, &timeout, &sc.MaxInstances, &sc.RetryMax, &sc.Version, &created, &updated); err != nil {
		return task.Schedule{}, err
	}
	var spec trigger.Spec
	if err := json.Unmarshal([]byte(trig), &spec); err != nil {
		return task.Schedule{}, fmt.Errorf("schedule %s: decode trigger: %w", sc.ID, err)
	}
	sc.Trigger = spec
	if payload.Valid {
		sc.Payload = json.RawMessage(payload.String)
	}
	if next.Valid {
		sc.NextFireTime = task.TimePtr(time.Unix(0, next.Int64).UTC())
	}
	if last.Valid {
		sc.LastFireTime = task.TimePtr(time.Unix(0, last.Int64).UTC())
	}
	sc.PausedBy = paused.String
	sc.Misfire = task.MisfirePolicy(misfire)
	sc.MisfireGrace = time.Duration(grace)
	sc.Timeout = time.Duration(timeout)
	sc.CreatedAt = time.Unix(0, created).UTC()
	sc.UpdatedAt = time.Unix(0, updated).UTC()
	return sc, nil
}

func (s *sqlStore) collectSchedules(rows *sql.Rows, op string) ([]task.Schedule, error) {
	defer rows.Close()
	var out []task.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, s.fail(op, err)
		}
		out = append(out, sc)
	}
	return out, s.fail(op, rows.Err())
}

func nsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nsOf(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func timeOf(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func nullPayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
