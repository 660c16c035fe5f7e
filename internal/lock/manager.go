// Package lock implements the heartbeat edit lock, one record per threat
// model, stored in Redis. All transitions run under WATCH so two concurrent
// acquires serialize on the store; the store, not client clocks, decides who
// holds the lock.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"threatdesk/api/internal/apperr"
)

// Record is the stored lock. A lock is live iff now-LockTimestamp is within
// the staleness window; the key expiry is only a GC backstop, several windows
// long, so Status can still observe a stale record without deleting it.
type Record struct {
	UserID        string `json:"user_id"`
	Token         string `json:"lock_token"`
	LockTimestamp int64  `json:"lock_timestamp"`
	AcquiredAt    string `json:"acquired_at"`
	TTL           int64  `json:"ttl"`
}

// AcquireResult distinguishes success from a structured conflict. A conflict
// is an expected outcome, not an error.
type AcquireResult struct {
	Acquired   bool
	Lock       *Record
	HolderID   string
	HolderName string
}

// RefreshResult reports a heartbeat outcome. A false OK means the lock is
// gone from the holder's point of view: absent, stolen, or token mismatch.
type RefreshResult struct {
	OK     bool
	Reason string
}

type Status struct {
	Locked        bool
	HolderID      string
	HolderName    string
	Token         string
	LockTimestamp int64
	AcquiredAt    string
	TTL           int64
}

// NameResolver turns a user ID into a display name, best-effort.
type NameResolver interface {
	DisplayName(ctx context.Context, userID string) string
}

const (
	keyPrefix      = "tmlock:"
	casAttempts    = 3
	expiryBackstop = 4
)

type Manager struct {
	client *redis.Client
	names  NameResolver
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(client *redis.Client, names NameResolver, window time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		client: client,
		names:  names,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

func (m *Manager) key(threatModelID string) string {
	return keyPrefix + threatModelID
}

func (m *Manager) stale(rec Record, now time.Time) bool {
	return now.Unix()-rec.LockTimestamp > int64(m.window.Seconds())
}

func (m *Manager) fresh(userID string, now time.Time) Record {
	return Record{
		UserID:        userID,
		Token:         uuid.NewString(),
		LockTimestamp: now.Unix(),
		AcquiredAt:    now.UTC().Format(time.RFC3339),
		TTL:           now.Add(m.window).Unix(),
	}
}

func (m *Manager) resolveName(ctx context.Context, userID string) string {
	if m.names == nil {
		return userID
	}
	return m.names.DisplayName(ctx, userID)
}

// Acquire takes or re-takes the lock. A stale competing record is reaped and
// replaced; a fresh record held by the same user is re-issued with a new
// token; a fresh record held by anyone else yields a conflict without
// mutating state.
func (m *Manager) Acquire(ctx context.Context, threatModelID, userID string) (AcquireResult, error) {
	key := m.key(threatModelID)
	var result AcquireResult

	transition := func(tx *redis.Tx) error {
		now := m.now()
		current, err := m.read(ctx, tx, key)
		if err != nil {
			return err
		}

		if current != nil && !m.stale(*current, now) && current.UserID != userID {
			result = AcquireResult{
				HolderID:   current.UserID,
				HolderName: m.resolveName(ctx, current.UserID),
			}
			return nil
		}

		rec := m.fresh(userID, now)
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, time.Duration(expiryBackstop)*m.window)
			return nil
		})
		if err != nil {
			return err
		}
		result = AcquireResult{Acquired: true, Lock: &rec}
		return nil
	}

	if err := m.watch(ctx, key, transition); err != nil {
		return AcquireResult{}, err
	}
	return result, nil
}

// Refresh is the holder's heartbeat: bump timestamp and ttl in place, token
// unchanged. Any mismatch yields a structured "gone" result.
func (m *Manager) Refresh(ctx context.Context, threatModelID, userID, token string) (RefreshResult, error) {
	key := m.key(threatModelID)
	var result RefreshResult

	transition := func(tx *redis.Tx) error {
		now := m.now()
		current, err := m.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if current == nil {
			result = RefreshResult{Reason: "lock no longer exists"}
			return nil
		}
		if current.UserID != userID {
			result = RefreshResult{Reason: "lock is held by another user"}
			return nil
		}
		if current.Token != token {
			result = RefreshResult{Reason: "invalid lock token"}
			return nil
		}

		current.LockTimestamp = now.Unix()
		current.TTL = now.Add(m.window).Unix()
		payload, err := json.Marshal(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, time.Duration(expiryBackstop)*m.window)
			return nil
		})
		if err != nil {
			return err
		}
		result = RefreshResult{OK: true}
		return nil
	}

	if err := m.watch(ctx, key, transition); err != nil {
		return RefreshResult{}, err
	}
	return result, nil
}

// Release deletes the holder's lock. Absence is success; another user's lock
// or a mismatched token is Unauthorized.
func (m *Manager) Release(ctx context.Context, threatModelID, userID, token string) error {
	key := m.key(threatModelID)

	transition := func(tx *redis.Tx) error {
		current, err := m.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		if current.UserID != userID {
			return apperr.Unauthorized("lock is held by another user")
		}
		if token != "" && current.Token != token {
			return apperr.Unauthorized("invalid lock token")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	return m.watch(ctx, key, transition)
}

// Status is a pure read. A stale record reads as unlocked and is left in
// place; only the acquire path reaps it.
func (m *Manager) Status(ctx context.Context, threatModelID string) (Status, error) {
	raw, err := m.client.Get(ctx, m.key(threatModelID)).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, apperr.Internal("lock store unavailable")
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Status{}, apperr.Internal("corrupt lock record")
	}
	if m.stale(rec, m.now()) {
		return Status{}, nil
	}
	return Status{
		Locked:        true,
		HolderID:      rec.UserID,
		HolderName:    m.resolveName(ctx, rec.UserID),
		Token:         rec.Token,
		LockTimestamp: rec.LockTimestamp,
		AcquiredAt:    rec.AcquiredAt,
		TTL:           rec.TTL,
	}, nil
}

// ForceRelease unconditionally clears the lock and returns the previous
// holder for audit purposes. Owner gating happens in the calling service.
func (m *Manager) ForceRelease(ctx context.Context, threatModelID string) (string, error) {
	key := m.key(threatModelID)
	raw, err := m.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Internal("lock store unavailable")
	}
	var rec Record
	holder := ""
	if err := json.Unmarshal([]byte(raw), &rec); err == nil {
		holder = rec.UserID
	}
	if err := m.client.Del(ctx, key).Err(); err != nil {
		return "", apperr.Internal("lock store unavailable")
	}
	if m.logger != nil && holder != "" {
		m.logger.Info("lock force-released",
			zap.String("threat_model_id", threatModelID),
			zap.String("previous_holder", holder))
	}
	return holder, nil
}

func (m *Manager) read(ctx context.Context, tx *redis.Tx, key string) (*Record, error) {
	raw, err := tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("lock store unavailable")
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// Treat a corrupt record as absent so the next acquire can heal it.
		return nil, nil
	}
	return &rec, nil
}

// watch retries a WATCH/EXEC transition a few times; losing the race simply
// re-runs the transition against the fresh record.
func (m *Manager) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for attempt := 0; attempt < casAttempts; attempt++ {
		err = m.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return apperr.Internal("lock contention, try again")
}
