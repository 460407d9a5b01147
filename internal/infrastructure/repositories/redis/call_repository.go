package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/pkg/distributed"

	"github.com/redis/go-redis/v9"
)

const (
	activeCallsKey = "voicelink:calls:active"
	mutateLockTTL  = 5 * time.Second
)

type RedisCallRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisCallRepository(client *redis.Client) ports.CallRepository {
	return &RedisCallRepository{
		client: client,
		prefix: "voicelink:call:",
	}
}

func (r *RedisCallRepository) callKey(sid domain.CallID) string {
	return r.prefix + string(sid)
}

func (r *RedisCallRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	key := r.callKey(record.Sid)
	ok, err := r.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set call record in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("call record already exists: %s", record.Sid)
	}

	if record.Active() {
		if err := r.client.SAdd(ctx, activeCallsKey, string(record.Sid)).Err(); err != nil {
			return fmt.Errorf("failed to add call to active set: %w", err)
		}
	}
	return nil
}

func (r *RedisCallRepository) GetBySid(ctx context.Context, sid domain.CallID) (*domain.CallRecord, error) {
	data, err := r.client.Get(ctx, r.callKey(sid)).Result()
	if err == redis.Nil {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record from Redis: %w", err)
	}

	var record domain.CallRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &record, nil
}

func (r *RedisCallRepository) Update(ctx context.Context, record *domain.CallRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	key := r.callKey(record.Sid)
	ok, err := r.client.SetXX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update call record in Redis: %w", err)
	}
	if !ok {
		return domain.ErrCallNotFound
	}

	if record.Active() {
		err = r.client.SAdd(ctx, activeCallsKey, string(record.Sid)).Err()
	} else {
		err = r.client.SRem(ctx, activeCallsKey, string(record.Sid)).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update active set: %w", err)
	}
	return nil
}

// Mutate performs a read-modify-write on a record under a redis lock so
// gateway instances sharing the store cannot clobber each other's updates.
func (r *RedisCallRepository) Mutate(ctx context.Context, sid domain.CallID, fn func(*domain.CallRecord)) error {
	lock := distributed.NewMutex(r.client, r.callKey(sid)+":lock", mutateLockTTL)
	if err := lock.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock call record: %w", err)
	}
	defer lock.Unlock(ctx)

	record, err := r.GetBySid(ctx, sid)
	if err != nil {
		return err
	}
	fn(record)
	return r.Update(ctx, record)
}

func (r *RedisCallRepository) Delete(ctx context.Context, sid domain.CallID) error {
	if err := r.client.SRem(ctx, activeCallsKey, string(sid)).Err(); err != nil {
		return fmt.Errorf("failed to remove call from active set: %w", err)
	}

	deleted, err := r.client.Del(ctx, r.callKey(sid)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete call record from Redis: %w", err)
	}
	if deleted == 0 {
		return domain.ErrCallNotFound
	}
	return nil
}

func (r *RedisCallRepository) ListActive(ctx context.Context) ([]*domain.CallRecord, error) {
	sids, err := r.client.SMembers(ctx, activeCallsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active calls from Redis: %w", err)
	}

	var records []*domain.CallRecord
	for _, sid := range sids {
		record, err := r.GetBySid(ctx, domain.CallID(sid))
		if err != nil {
			// Skip records that expired between SMEMBERS and GET.
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
