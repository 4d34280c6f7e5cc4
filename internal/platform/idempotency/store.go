// Package idempotency remembers which appointment a client-supplied
// Idempotency-Key produced so a retried booking returns the original result.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "hms:idempotency:"

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 255

// ErrInvalidKey is returned for empty or oversized keys.
var ErrInvalidKey = errors.New("invalid idempotency key")

// Store maps idempotency keys to the appointment they created.
type Store interface {
	Lookup(ctx context.Context, key string) (uuid.UUID, bool, error)
	Remember(ctx context.Context, key string, id uuid.UUID) error
}

// ValidateKey checks a client-supplied key.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidKey, MaxKeyLength)
	}
	return nil
}

// ScopedKey binds a client key to the request it was sent with. Stores only
// ever see scoped keys, so a key reused by another caller or for another
// booking can never replay someone else's result.
func ScopedKey(key string, scope ...string) string {
	return strings.Join(append(scope, key), ":")
}

type record struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisStore keeps keys in Redis with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (uuid.UUID, bool, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redis get idempotency key: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return uuid.Nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec.AppointmentID, true, nil
}

// Remember stores the key only if it is not already present.
func (s *RedisStore) Remember(ctx context.Context, key string, id uuid.UUID) error {
	data, err := json.Marshal(record{AppointmentID: id, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := s.client.SetNX(ctx, keyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set idempotency key: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// MemoryStore is an in-process Store with lazy expiry.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]record
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, records: make(map[string]record)}
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return uuid.Nil, false, nil
	}
	if s.ttl > 0 && s.now().Sub(rec.CreatedAt) >= s.ttl {
		delete(s.records, key)
		return uuid.Nil, false, nil
	}
	return rec.AppointmentID, true, nil
}

func (s *MemoryStore) Remember(_ context.Context, key string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok && (s.ttl <= 0 || s.now().Sub(rec.CreatedAt) < s.ttl) {
		return nil
	}
	s.records[key] = record{AppointmentID: id, CreatedAt: s.now()}
	return nil
}
