package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/danshapiro/storytime/internal/session"
	"github.com/danshapiro/storytime/internal/workflow"
)

const (
	redisKeyPrefix = "storytime:workflow:"
	maxTxRetries   = 5
)

// RedisStore keeps each session's state as one string value. A single SET is
// atomic, so readers see either the old or the new record.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore connects to the server at url and verifies it answers.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping", err)
	}
	return NewRedisStoreFromClient(client), nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) key(sessionID string) string { return redisKeyPrefix + sessionID }

func (r *RedisStore) Load(ctx context.Context, sessionID string) (workflow.State, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return workflow.State{}, err
	}
	return r.get(ctx, r.client, sessionID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) get(ctx context.Context, c getter, sessionID string) (workflow.State, error) {
	raw, err := c.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return workflow.New(r.now()), nil
		}
		return workflow.State{}, unavailable("get state", err)
	}
	var st workflow.State
	if err := sonic.Unmarshal(raw, &st); err != nil {
		return workflow.State{}, unavailable("decode state", err)
	}
	normalize(&st)
	return st, nil
}

func (r *RedisStore) Save(ctx context.Context, sessionID string, st workflow.State) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	b, err := sonic.Marshal(st)
	if err != nil {
		return unavailable("encode state", err)
	}
	if err := r.client.Set(ctx, r.key(sessionID), b, 0).Err(); err != nil {
		return unavailable("set state", err)
	}
	return nil
}

func (r *RedisStore) IsStepCompleted(ctx context.Context, sessionID string, step workflow.Step) (bool, error) {
	return isStepCompleted(ctx, r, sessionID, step)
}

func (r *RedisStore) CanAdvance(ctx context.Context, sessionID string, policy workflow.ApprovalPolicy) (bool, error) {
	return canAdvance(ctx, r, sessionID, policy)
}

// MarkApproved runs an optimistic WATCH/MULTI transaction so a concurrent
// writer to the same key forces a retry instead of a lost update.
func (r *RedisStore) MarkApproved(ctx context.Context, sessionID string, step workflow.Step) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	key := r.key(sessionID)
	txf := func(tx *redis.Tx) error {
		st, err := r.get(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		next, changed, err := approve(st, step, r.now())
		if err != nil || !changed {
			return err
		}
		b, err := sonic.Marshal(next)
		if err != nil {
			return unavailable("encode state", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrUnavailable) && !isRuleError(err) {
			return unavailable("approve", err)
		}
		return err
	}
	return unavailable("approve", fmt.Errorf("transaction contended after %d attempts", maxTxRetries))
}

func isRuleError(err error) bool {
	return errors.Is(err, workflow.ErrNoOutput) ||
		errors.Is(err, workflow.ErrOutOfOrder) ||
		errors.Is(err, workflow.ErrNotApproved)
}
