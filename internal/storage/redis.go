package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// redisStore keeps schedules in Redis.
//
// Keys (prefix defaults to "taskd:"):
//   - <p>schedules  hash id -> schedule JSON
//   - <p>versions   hash id -> version (CAS token)
//   - <p>due        sorted set id scored by next fire time (unix ms)
//   - <p>runs       sorted set of run JSON scored by end time (unix ms), capped
type redisStore struct {
	client *redis.Client
	log    logx.Logger
	now    func() time.Time

	kSchedules string
	kVersions  string
	kDue       string
	kRuns      string
}

const (
	defaultRedisPrefix = "taskd:"
	redisRunCap        = 100000
	redisUpsertRetries = 16
	redisRunPage       = 500
)

// casScript writes a schedule only if its version is unchanged.
//
// KEYS: schedules, versions, due
// ARGV: id, expected version ("" = must not exist), json, due score ("" = not due), delete flag
// Returns 1 on success, 0 on version mismatch, -1 when the id is missing.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if ARGV[2] == '' then
  if cur then return 0 end
else
  if not cur then return -1 end
  if cur ~= ARGV[2] then return 0 end
end
if ARGV[5] == '1' then
  redis.call('HDEL', KEYS[1], ARGV[1])
  redis.call('HDEL', KEYS[2], ARGV[1])
  redis.call('ZREM', KEYS[3], ARGV[1])
  return 1
end
local nextv = 1
if cur then nextv = tonumber(cur) + 1 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], tostring(nextv))
if ARGV[4] == '' then
  redis.call('ZREM', KEYS[3], ARGV[1])
else
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
end
return 1
`)

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("store.url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("redis ping", err)
	}

	p := cfg.KeyPrefix
	if p == "" {
		p = defaultRedisPrefix
	}
	return &redisStore{
		client:     client,
		log:        log,
		now:        time.Now,
		kSchedules: p + "schedules",
		kVersions:  p + "versions",
		kDue:       p + "due",
		kRuns:      p + "runs",
	}, nil
}

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *redisStore) cas(ctx context.Context, sc task.Schedule, expected string, del bool) (int64, error) {
	data, err := json.Marshal(sc)
	if err != nil {
		return 0, err
	}
	score := ""
	if sc.Enabled && sc.NextFireTime != nil {
		score = strconv.FormatInt(sc.NextFireTime.UnixMilli(), 10)
	}
	flag := "0"
	if del {
		flag = "1"
	}
	keys := []string{s.kSchedules, s.kVersions, s.kDue}
	res, err := casScript.Run(ctx, s.client, keys, sc.ID, expected, string(data), score, flag).Int64()
	if err != nil {
		return 0, unavailable("redis cas", err)
	}
	return res, nil
}

func (s *redisStore) load(ctx context.Context, id string) (task.Schedule, bool, error) {
	raw, err := s.client.HGet(ctx, s.kSchedules, id).Result()
	if errors.Is(err, redis.Nil) {
		return task.Schedule{}, false, nil
	}
	if err != nil {
		return task.Schedule{}, false, unavailable("redis get", err)
	}
	var sc task.Schedule
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return task.Schedule{}, false, fmt.Errorf("schedule %s: %w", id, err)
	}
	return sc, true, nil
}

func (s *redisStore) Upsert(ctx context.Context, sc task.Schedule) (task.Schedule, error) {
	if err := validateSchedule(sc); err != nil {
		return task.Schedule{}, err
	}
	sc = normalize(sc)
	for attempt := 0; attempt < redisUpsertRetries; attempt++ {
		prev, exists, err := s.load(ctx, sc.ID)
		if err != nil {
			return task.Schedule{}, err
		}
		now := s.now().UTC()
		out := sc.Clone()
		expected := ""
		if exists {
			out.CreatedAt = prev.CreatedAt
			out.Version = prev.Version + 1
			expected = strconv.FormatInt(prev.Version, 10)
		} else {
			out.CreatedAt = now
			out.Version = 1
		}
		out.UpdatedAt = now

		res, err := s.cas(ctx, out, expected, false)
		if err != nil {
			return task.Schedule{}, err
		}
		if res == 1 {
			return out, nil
		}
	}
	return task.Schedule{}, unavailable("redis upsert", fmt.Errorf("schedule %s: too much contention", sc.ID))
}

func (s *redisStore) Replace(ctx context.Context, sc task.Schedule, expected int64) (task.Schedule, bool, error) {
	if err := validateSchedule(sc); err != nil {
		return task.Schedule{}, false, err
	}
	prev, exists, err := s.load(ctx, sc.ID)
	if err != nil {
		return task.Schedule{}, false, err
	}
	if (expected == 0 && exists) || expected != 0 && (!exists || prev.Version != expected) {
		return task.Schedule{}, false, nil
	}

	now := s.now().UTC()
	out := normalize(sc)
	token := ""
	if exists {
		out.CreatedAt = prev.CreatedAt
		out.Version = prev.Version + 1
		token = strconv.FormatInt(expected, 10)
	} else {
		out.CreatedAt = now
		out.Version = 1
	}
	out.UpdatedAt = now

	res, err := s.cas(ctx, out, token, false)
	if err != nil {
		return task.Schedule{}, false, err
	}
	if res != 1 {
		return task.Schedule{}, false, nil
	}
	return out, true, nil
}

func (s *redisStore) Get(ctx context.Context, id string) (task.Schedule, error) {
	sc, ok, err := s.load(ctx, id)
	if err != nil {
		return task.Schedule{}, err
	}
	if !ok {
		return task.Schedule{}, task.ErrNotFound
	}
	return sc, nil
}

func (s *redisStore) List(ctx context.Context) ([]task.Schedule, error) {
	all, err := s.client.HGetAll(ctx, s.kSchedules).Result()
	if err != nil {
		return nil, unavailable("redis list", err)
	}
	out := make([]task.Schedule, 0, len(all))
	for id, raw := range all {
		var sc task.Schedule
		if err := json.Unmarshal([]byte(raw), &sc); err != nil {
			s.log.Warn("skip undecodable schedule", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	var n *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		n = pipe.HDel(ctx, s.kSchedules, id)
		pipe.HDel(ctx, s.kVersions, id)
		pipe.ZRem(ctx, s.kDue, id)
		return nil
	})
	if err != nil {
		return unavailable("redis delete", err)
	}
	if n.Val() == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *redisStore) GetDue(ctx context.Context, before time.Time, limit int) ([]task.Schedule, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(before.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.kDue, by).Result()
	if err != nil {
		return nil, unavailable("redis due", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.kSchedules, ids...).Result()
	if err != nil {
		return nil, unavailable("redis due", err)
	}
	out := make([]task.Schedule, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // deleted between the two reads
		}
		var sc task.Schedule
		if err := json.Unmarshal([]byte(raw), &sc); err != nil {
			s.log.Warn("skip undecodable schedule", logx.String("id", ids[i]), logx.Err(err))
			continue
		}
		// Scores are millisecond precision; re-check exactly.
		if sc.Due(before) {
			out = append(out, sc)
		}
	}
	sortDue(out)
	return out, nil
}

func (s *redisStore) Claim(ctx context.Context, c Claim) (bool, error) {
	prev, ok, err := s.load(ctx, c.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, task.ErrNotFound
	}
	if prev.Version != c.Version {
		return false, nil
	}
	next := prev
	if !c.Delete {
		next = applyClaim(prev, c, s.now())
	}
	res, err := s.cas(ctx, next, strconv.FormatInt(c.Version, 10), c.Delete)
	if err != nil {
		return false, err
	}
	switch res {
	case 1:
		return true, nil
	case -1:
		return false, task.ErrNotFound
	default:
		return false, nil
	}
}

func (s *redisStore) RecordRun(ctx context.Context, r task.TaskRun) error {
	r = normalizeRun(r)
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.kRuns, redis.Z{Score: float64(r.EndTime.UnixMilli()), Member: string(data)})
		pipe.ZRemRangeByRank(ctx, s.kRuns, 0, -(redisRunCap + 1))
		return nil
	})
	return unavailable("redis record run", err)
}

func (s *redisStore) ListRuns(ctx context.Context, f RunFilter) ([]task.TaskRun, error) {
	lo := "-inf"
	if !f.Since.IsZero() {
		lo = strconv.FormatInt(f.Since.UnixMilli(), 10)
	}
	var out []task.TaskRun
	for offset := int64(0); ; offset += redisRunPage {
		page, err := s.client.ZRevRangeByScore(ctx, s.kRuns, &redis.ZRangeBy{
			Min: lo, Max: "+inf", Offset: offset, Count: redisRunPage,
		}).Result()
		if err != nil {
			return nil, unavailable("redis list runs", err)
		}
		var runs []task.TaskRun
		for _, raw := range page {
			var r task.TaskRun
			if err := json.Unmarshal([]byte(raw), &r); err != nil {
				continue
			}
			runs = append(runs, r)
		}
		out = append(out, filterRuns(runs, RunFilter{ScheduleID: f.ScheduleID, Since: f.Since})...)
		if len(page) < redisRunPage || (f.Limit > 0 && len(out) >= f.Limit) {
			break
		}
	}
	// Pages are already newest first; filterRuns re-sorts within a page only.
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndTime.After(out[j].EndTime) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *redisStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	n, err := s.client.ZRemRangeByScore(ctx, s.kRuns, "-inf", "("+strconv.FormatInt(before.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, unavailable("redis prune runs", err)
	}
	return int(n), nil
}
