// Package vector stores analysis embeddings keyed by analysis ID. The
// current backend keeps vectors in Redis hashes; the interface leaves room
// for a dedicated vector database later.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one stored embedding with its source pointers.
type Entry struct {
	AnalysisID int64     `json:"analysis_id"`
	UserID     int64     `json:"user_id"`
	Embedding  []float32 `json:"embedding"`
	StoredAt   time.Time `json:"stored_at"`
}

// Store persists embeddings.
type Store interface {
	Upsert(ctx context.Context, e Entry) error
	Get(ctx context.Context, analysisID int64) (*Entry, error)
	// ListByUser returns every stored analysis ID for a user.
	ListByUser(ctx context.Context, userID int64) ([]int64, error)
}

// RedisStore keeps one hash per user, field per analysis.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func userKey(userID int64) string {
	return fmt.Sprintf("vectors:user:%d", userID)
}

// indexKey maps analysis ID to its owning user so Get does not need the
// user ID.
const indexKey = "vectors:index"

func (s *RedisStore) Upsert(ctx context.Context, e Entry) error {
	if e.AnalysisID == 0 || e.UserID == 0 {
		return fmt.Errorf("vector entry requires analysis and user IDs")
	}
	if len(e.Embedding) == 0 {
		return fmt.Errorf("vector entry requires an embedding")
	}
	e.StoredAt = time.Now().UTC()

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal vector entry: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, userKey(e.UserID), fmt.Sprint(e.AnalysisID), raw)
	pipe.HSet(ctx, indexKey, fmt.Sprint(e.AnalysisID), e.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store vector: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, analysisID int64) (*Entry, error) {
	userField, err := s.rdb.HGet(ctx, indexKey, fmt.Sprint(analysisID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve vector owner: %w", err)
	}

	raw, err := s.rdb.HGet(ctx, "vectors:user:"+userField, fmt.Sprint(analysisID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vector: %w", err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vector entry: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) ListByUser(ctx context.Context, userID int64) ([]int64, error) {
	fields, err := s.rdb.HKeys(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list vectors: %w", err)
	}
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		var id int64
		if _, err := fmt.Sscanf(f, "%d", &id); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}
