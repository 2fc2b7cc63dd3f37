// Package redis implements warden.JobStore on Redis.
//
// Each job is a JSON document under <prefix>:job:<id>, indexed by a set of
// ids per process name. Conditional updates use WATCH/MULTI so a claim only
// commits if the job key did not change after it was read.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DEEJ4Y/warden"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config holds the configuration for the Redis job store.
type Config struct {
	// Client is the Redis client to use. Required.
	Client *redis.Client

	// Prefix namespaces every key. Default: "warden"
	Prefix string

	// MaxTxRetries bounds optimistic transaction retries on contention.
	// Default: 16
	MaxTxRetries int
}

// Store implements warden.JobStore for Redis.
type Store struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

// document is the stored JSON shape of a warden.Record.
type document struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Recurrence    *string    `json:"recurrence,omitempty"`
	Timezone      string     `json:"timezone,omitempty"`
	Payload       []byte     `json:"payload,omitempty"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retryCount"`
	LockedAt      *time.Time `json:"lockedAt,omitempty"`
	NextRunAt     *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	LastRunResult *string    `json:"lastRunResult,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// NewStore creates a Redis job store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "warden"
	}
	if cfg.MaxTxRetries <= 0 {
		cfg.MaxTxRetries = 16
	}
	return &Store{client: cfg.Client, prefix: cfg.Prefix, maxRetries: cfg.MaxTxRetries}, nil
}

func (s *Store) jobKey(id string) string     { return fmt.Sprintf("%s:job:%s", s.prefix, id) }
func (s *Store) nameKey(name string) string { return fmt.Sprintf("%s:jobs:%s", s.prefix, name) }
func (s *Store) allKey() string             { return fmt.Sprintf("%s:jobs", s.prefix) }

// Init checks the connection.
func (s *Store) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// FindDue returns live records that are due and unlocked, or hold a stale lock.
func (s *Store) FindDue(ctx context.Context, q warden.DueQuery) ([]warden.Record, error) {
	ids, err := s.client.SMembers(ctx, s.nameKey(q.Name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return s.load(ctx, ids, func(rec *warden.Record) bool { return q.Matches(rec) })
}

// Create stores rec under a new UUID and indexes it.
func (s *Store) Create(ctx context.Context, rec warden.Record) (warden.Record, error) {
	now := time.Now().UTC()
	out := rec.Clone()
	out.ID = uuid.NewString()
	if out.Status == "" {
		out.Status = warden.StatusCreated
	}
	out.CreatedAt = now
	out.UpdatedAt = now

	data, err := encode(out)
	if err != nil {
		return warden.Record{}, err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(out.ID), data, 0)
		pipe.SAdd(ctx, s.nameKey(out.Name), out.ID)
		pipe.SAdd(ctx, s.allKey(), out.ID)
		return nil
	})
	if err != nil {
		return warden.Record{}, fmt.Errorf("failed to create job: %w", err)
	}
	return out, nil
}

// UpdateWhere applies patch to the job matching p inside a WATCH transaction.
func (s *Store) UpdateWhere(ctx context.Context, p warden.Predicate, patch warden.Patch) (int64, error) {
	key := s.jobKey(p.ID)
	var changed int64

	txf := func(tx *redis.Tx) error {
		changed = 0
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := decode(data)
		if err != nil {
			return err
		}
		if !p.Matches(&rec) {
			return nil
		}
		patch.Apply(&rec, time.Now())
		next, err := encode(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err == nil {
			changed = 1
		}
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return changed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return 0, fmt.Errorf("failed to update job: %w", err)
	}
	return 0, fmt.Errorf("failed to update job %s: too much contention", p.ID)
}

// FindByID returns the record with id, or nil when there is none.
func (s *Store) FindByID(ctx context.Context, id string) (*warden.Record, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	rec, err := decode(data)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the records matching q.
func (s *Store) List(ctx context.Context, q warden.ListQuery) ([]warden.Record, error) {
	var (
		ids []string
		err error
	)
	switch {
	case q.JobID != "":
		ids = []string{q.JobID}
	case q.ProcessName != "":
		ids, err = s.client.SMembers(ctx, s.nameKey(q.ProcessName)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.allKey()).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return s.load(ctx, ids, func(rec *warden.Record) bool { return q.Matches(rec) })
}

// load fetches ids in one MGET and keeps the records accepted by keep.
func (s *Store) load(ctx context.Context, ids []string, keep func(*warden.Record) bool) ([]warden.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	var recs []warden.Record
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		if keep(&rec) {
			recs = append(recs, rec)
		}
	}
	warden.SortByNextRun(recs)
	return recs, nil
}

func encode(rec warden.Record) ([]byte, error) {
	doc := document{
		ID:         rec.ID,
		Name:       rec.Name,
		Recurrence: rec.Recurrence,
		Timezone:   rec.Timezone,
		Payload:    rec.Payload,
		Status:     string(rec.Status),
		RetryCount: rec.RetryCount,
		LockedAt:   rec.LockedAt,
		NextRunAt:  rec.NextRunAt,
		LastRunAt:  rec.LastRunAt,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if rec.LastRunResult != nil {
		v := string(*rec.LastRunResult)
		doc.LastRunResult = &v
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

func decode(data []byte) (warden.Record, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return warden.Record{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	rec := warden.Record{
		ID:         doc.ID,
		Name:       doc.Name,
		Recurrence: doc.Recurrence,
		Timezone:   doc.Timezone,
		Payload:    doc.Payload,
		Status:     warden.Status(doc.Status),
		RetryCount: doc.RetryCount,
		LockedAt:   utc(doc.LockedAt),
		NextRunAt:  utc(doc.NextRunAt),
		LastRunAt:  utc(doc.LastRunAt),
		CreatedAt:  doc.CreatedAt.UTC(),
		UpdatedAt:  doc.UpdatedAt.UTC(),
	}
	if doc.LastRunResult != nil {
		v := warden.RunResult(*doc.LastRunResult)
		rec.LastRunResult = &v
	}
	return rec, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
