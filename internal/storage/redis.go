package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"datastory/pkg"
)

// SessionTTL is the default session TTL. Session expiry is an external
// policy; nothing in the engine ever deletes a live session.
const SessionTTL = 40 * time.Minute

// RedisSessionStore keeps sessions in Redis under session:{id}. A per-session
// in-process lock serializes read-modify-write appends, matching the store's
// concurrency contract for a single engine process.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRedisSessionStore connects to Redis using the given URL.
func NewRedisSessionStore(ctx context.Context, redisURL string) (*RedisSessionStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSessionStore{
		client: client,
		ttl:    SessionTTL,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (r *RedisSessionStore) Create(ctx context.Context, datasetRef, description string) (string, error) {
	now := time.Now().UTC()
	session := &Session{
		ID:          uuid.NewString(),
		DatasetRef:  datasetRef,
		Description: description,
		Turns:       []pkg.ConversationTurn{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.save(ctx, session); err != nil {
		return "", err
	}
	return session.ID, nil
}

func (r *RedisSessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	return r.load(ctx, sessionID)
}

func (r *RedisSessionStore) AppendTurn(ctx context.Context, sessionID string, turns ...pkg.ConversationTurn) error {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := r.load(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Turns = append(session.Turns, turns...)
	session.UpdatedAt = time.Now().UTC()
	return r.save(ctx, session)
}

func (r *RedisSessionStore) GetCachedProfile(ctx context.Context, sessionID string) (*pkg.ProfileSummary, string, error) {
	session, err := r.load(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	return session.CachedProfile, session.ProfileDatasetRef, nil
}

func (r *RedisSessionStore) SetCachedProfile(ctx context.Context, sessionID string, profile *pkg.ProfileSummary, datasetRef string) error {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := r.load(ctx, sessionID)
	if err != nil {
		return err
	}
	session.CachedProfile = profile
	session.ProfileDatasetRef = datasetRef
	session.UpdatedAt = time.Now().UTC()
	return r.save(ctx, session)
}

// Close closes the Redis connection.
func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}

// Ping tests the Redis connection.
func (r *RedisSessionStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisSessionStore) sessionLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[sessionID] = lock
	}
	return lock
}

func (r *RedisSessionStore) load(ctx context.Context, sessionID string) (*Session, error) {
	key := sessionKey(sessionID)
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session data: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session data: %w", err)
	}

	// Refresh TTL on read
	r.client.Expire(ctx, key, r.ttl)
	return &session, nil
}

func (r *RedisSessionStore) save(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session data: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(session.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session data: %w", err)
	}
	return nil
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}
