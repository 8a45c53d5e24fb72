package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/rendezvous/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

const (
	sessionKeyPrefix = "rendezvous:session:"
	sessionSetKey    = "rendezvous:sessions"
)

// Redis stores session records as expiring keys plus a global membership set,
// so dashboards on any instance see cluster-wide session counts.
type Redis struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration

	mu    sync.Mutex
	local map[string]SessionRecord // sessions owned by this instance, refreshed by heartbeat
}

// NewRedis connects and pings the server.
func NewRedis(addr, password string, db int, instanceID string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Redis{
		client:     rdb,
		instanceID: instanceID,
		keyTTL:     2 * time.Minute,
		local:      make(map[string]SessionRecord),
	}, nil
}

var _ Store = (*Redis)(nil)

func (r *Redis) PutSession(ctx context.Context, rec SessionRecord) error {
	rec.Instance = r.instanceID
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+rec.ID, data, r.keyTTL)
	pipe.SAdd(ctx, sessionSetKey, rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}
	r.mu.Lock()
	r.local[rec.ID] = rec
	r.mu.Unlock()
	return nil
}

func (r *Redis) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+id)
	pipe.SRem(ctx, sessionSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

func (r *Redis) CountSessions(ctx context.Context) (int64, error) {
	n, err := r.client.SCard(ctx, sessionSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count sessions: %w", err)
	}
	return n, nil
}

// Session loads one record, returning redis.Nil wrapped when it is unknown.
func (r *Redis) Session(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	val, err := r.client.Get(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		return rec, fmt.Errorf("redis get session %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return rec, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return rec, nil
}

// Close removes this instance's sessions and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	r.local = make(map[string]SessionRecord)
	r.mu.Unlock()
	var err error
	if len(ids) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pipe := r.client.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, sessionKeyPrefix+id)
			pipe.SRem(ctx, sessionSetKey, id)
		}
		if _, perr := pipe.Exec(ctx); perr != nil {
			err = fmt.Errorf("redis remove local sessions: %w", perr)
		}
	}
	return multierr.Append(err, r.client.Close())
}

// StartMaintenance refreshes key TTLs for local sessions and prunes set
// members whose key expired (an instance that died without cleanup).
func (r *Redis) StartMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
			r.prune(ctx)
		}
	}
}

func (r *Redis) heartbeat(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.client.Expire(ctx, sessionKeyPrefix+id, r.keyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.expire", obs.Fields{"err": err.Error(), "session": id})
		}
	}
}

func (r *Redis) prune(ctx context.Context) {
	ids, err := r.client.SMembers(ctx, sessionSetKey).Result()
	if err != nil {
		obs.Error("redis.prune.members", obs.Fields{"err": err.Error()})
		return
	}
	if len(ids) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, sessionKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.prune.exists", obs.Fields{"err": err.Error()})
		return
	}
	var stale []any
	for i, id := range ids {
		if exists[i].Val() == 0 {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := r.client.SRem(ctx, sessionSetKey, stale...).Err(); err != nil {
		obs.Error("redis.prune.srem", obs.Fields{"err": err.Error(), "stale": len(stale)})
		return
	}
	obs.Debug("redis.prune.stale", obs.Fields{"sessions": stale})
}
