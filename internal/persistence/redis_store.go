package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/sagaflow/pkg/api"
)

// RedisStore implements SnapshotStore, WaitStore and ClaimStore on
// Redis. It uses a simple key structure:
//
//	<prefix>snap:<flowID>         => gob-encoded redisSnapshotPayload
//	<prefix>idx:all               => SET of all flow IDs
//	<prefix>idx:flow:<name>       => SET of flow IDs for a flow name
//	<prefix>idx:status:<status>   => SET of flow IDs for a status
//	<prefix>wait:<correlationID>  => gob-encoded WaitEntry
//	<prefix>idx:wait_expiry       => ZSET of correlation IDs by expiry
//	<prefix>claim:<flowID>        => owner ID, with TTL = staleAfter
//
// The indexes are best-effort: always updated on writes and used for
// filtered listing and claim discovery. Claims expire through key TTLs,
// so a crashed owner's claim becomes stealable without a sweeper.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ SnapshotStore = (*RedisStore)(nil)
	_ WaitStore     = (*RedisStore)(nil)
	_ ClaimStore    = (*RedisStore)(nil)
)

type redisSnapshotPayload struct {
	FlowID          string
	FlowName        string
	Status          string
	Position        string
	State           []byte
	Error           string
	WaitCondition   *api.WaitCondition
	Version         int64
	CreatedAtNanos  int64
	UpdatedAtNanos  int64
}

// NewRedisStore creates a RedisStore. prefix is optional but
// recommended (e.g. "sagaflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sagaflow:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keySnapshot(id string) string   { return s.prefix + "snap:" + id }
func (s *RedisStore) keyAll() string                 { return s.prefix + "idx:all" }
func (s *RedisStore) keyFlow(name string) string     { return s.prefix + "idx:flow:" + name }
func (s *RedisStore) keyStatus(st api.Status) string { return s.prefix + "idx:status:" + string(st) }
func (s *RedisStore) keyWait(corr string) string     { return s.prefix + "wait:" + corr }
func (s *RedisStore) keyWaitExpiry() string          { return s.prefix + "idx:wait_expiry" }
func (s *RedisStore) keyClaim(id string) string      { return s.prefix + "claim:" + id }

func encodeRedisSnapshot(snap *api.Snapshot) ([]byte, error) {
	state, err := EncodeState(snap.State)
	if err != nil {
		return nil, err
	}
	payload := redisSnapshotPayload{
		FlowID:         snap.FlowID,
		FlowName:       snap.FlowName,
		Status:         string(snap.Status),
		Position:       snap.Position.Key(),
		State:          state,
		Error:          errString(snap.Err),
		WaitCondition:  snap.WaitCondition,
		Version:        snap.Version,
		CreatedAtNanos: snap.CreatedAt.UnixNano(),
		UpdatedAtNanos: snap.UpdatedAt.UnixNano(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisSnapshot(data []byte) (*api.Snapshot, error) {
	var payload redisSnapshotPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}
	pos, err := api.ParsePosition(payload.Position)
	if err != nil {
		return nil, err
	}
	state, err := DecodeState(payload.State)
	if err != nil {
		return nil, err
	}
	snap := &api.Snapshot{
		FlowID:        payload.FlowID,
		FlowName:      payload.FlowName,
		Status:        api.Status(payload.Status),
		Position:      pos,
		State:         state,
		WaitCondition: payload.WaitCondition,
		Version:       payload.Version,
		CreatedAt:     time.Unix(0, payload.CreatedAtNanos),
		UpdatedAt:     time.Unix(0, payload.UpdatedAtNanos),
	}
	if payload.Error != "" {
		snap.Err = errors.New(payload.Error)
	}
	return snap, nil
}

func (s *RedisStore) writeSnapshot(ctx context.Context, tx redis.Pipeliner, snap *api.Snapshot, data []byte, oldStatus api.Status) {
	tx.Set(ctx, s.keySnapshot(snap.FlowID), data, 0)
	tx.SAdd(ctx, s.keyAll(), snap.FlowID)
	tx.SAdd(ctx, s.keyFlow(snap.FlowName), snap.FlowID)
	if oldStatus != "" && oldStatus != snap.Status {
		tx.SRem(ctx, s.keyStatus(oldStatus), snap.FlowID)
	}
	tx.SAdd(ctx, s.keyStatus(snap.Status), snap.FlowID)
}

func (s *RedisStore) CreateSnapshot(ctx context.Context, snap *api.Snapshot) (bool, error) {
	data, err := encodeRedisSnapshot(snap)
	if err != nil {
		return false, err
	}

	created := false
	key := s.keySnapshot(snap.FlowID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.Get(ctx, key).Result()
		if err == nil {
			return nil // already exists
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.writeSnapshot(ctx, pipe, snap, data, "")
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}, key)
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *RedisStore) UpdateSnapshot(ctx context.Context, snap *api.Snapshot, expectedVersion int64) (bool, error) {
	data, err := encodeRedisSnapshot(snap)
	if err != nil {
		return false, err
	}

	updated := false
	key := s.keySnapshot(snap.FlowID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSnapshotNotFound
		}
		if err != nil {
			return err
		}
		existing, err := decodeRedisSnapshot(raw)
		if err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return nil // conflict, leave updated=false
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.writeSnapshot(ctx, pipe, snap, data, existing.Status)
			return nil
		})
		if err == nil {
			updated = true
		}
		return err
	}, key)
	if err != nil {
		return false, err
	}
	return updated, nil
}

func (s *RedisStore) GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.keySnapshot(flowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRedisSnapshot(raw)
}

func (s *RedisStore) ListSnapshots(ctx context.Context, filter api.SnapshotFilter) ([]*api.Snapshot, error) {
	var ids []string
	var err error
	switch {
	case filter.FlowName != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx, s.keyFlow(filter.FlowName), s.keyStatus(filter.Status)).Result()
	case filter.FlowName != "":
		ids, err = s.client.SMembers(ctx, s.keyFlow(filter.FlowName)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil {
		return nil, err
	}

	var result []*api.Snapshot
	for _, id := range ids {
		snap, err := s.GetSnapshot(ctx, id)
		if errors.Is(err, ErrSnapshotNotFound) {
			continue // index ahead of data; skip
		}
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, nil
}

func (s *RedisStore) SetWaitCondition(ctx context.Context, flowID string, wc api.WaitCondition) error {
	if wc.CorrelationID == "" {
		return errors.New("wait condition requires a correlation id")
	}
	entry := WaitEntry{FlowID: flowID, Condition: wc}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keyWait(wc.CorrelationID), buf.Bytes(), 0)
		if !wc.ExpiresAt.IsZero() {
			pipe.ZAdd(ctx, s.keyWaitExpiry(), redis.Z{
				Score:  float64(wc.ExpiresAt.UnixNano()),
				Member: wc.CorrelationID,
			})
		} else {
			pipe.ZRem(ctx, s.keyWaitExpiry(), wc.CorrelationID)
		}
		return nil
	})
	return err
}

func (s *RedisStore) GetWaitCondition(ctx context.Context, correlationID string) (*WaitEntry, error) {
	raw, err := s.client.Get(ctx, s.keyWait(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrWaitNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry WaitEntry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *RedisStore) DeleteWaitCondition(ctx context.Context, correlationID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keyWait(correlationID))
		pipe.ZRem(ctx, s.keyWaitExpiry(), correlationID)
		return nil
	})
	return err
}

func (s *RedisStore) ListExpiredWaits(ctx context.Context, now time.Time) ([]*WaitEntry, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keyWaitExpiry(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var result []*WaitEntry
	for _, id := range ids {
		entry, err := s.GetWaitCondition(ctx, id)
		if errors.Is(err, ErrWaitNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *RedisStore) TryClaim(ctx context.Context, flowName, ownerID string, staleAfter time.Duration) (string, bool, error) {
	ids, err := s.client.SInter(ctx, s.keyFlow(flowName), s.keyStatus(api.StatusRunning)).Result()
	if err != nil {
		return "", false, err
	}

	cutoff := time.Now().Add(-staleAfter)
	for _, id := range ids {
		snap, err := s.GetSnapshot(ctx, id)
		if errors.Is(err, ErrSnapshotNotFound) {
			continue
		}
		if err != nil {
			return "", false, err
		}

		claimKey := s.keyClaim(id)
		owner, err := s.client.Get(ctx, claimKey).Result()
		switch {
		case err == nil && owner == ownerID:
			// Re-entrant: refresh and take it again.
			if err := s.client.Set(ctx, claimKey, ownerID, staleAfter).Err(); err != nil {
				return "", false, err
			}
			return id, true, nil
		case err == nil:
			// Live claim by someone else; TTL expiry makes it stealable
			// later.
			continue
		case !errors.Is(err, redis.Nil):
			return "", false, err
		}

		if snap.UpdatedAt.After(cutoff) {
			continue
		}
		ok, err := s.client.SetNX(ctx, claimKey, ownerID, staleAfter).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, flowID, ownerID string, pos api.Position) (bool, error) {
	claimKey := s.keyClaim(flowID)
	renewed := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, claimKey).Result()
		if errors.Is(err, redis.Nil) || (err == nil && owner != ownerID) {
			return nil
		}
		if err != nil {
			return err
		}
		ttl, err := tx.TTL(ctx, claimKey).Result()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = time.Minute
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, claimKey, ownerID, ttl)
			return nil
		})
		if err == nil {
			renewed = true
		}
		return err
	}, claimKey)
	if err != nil {
		return false, err
	}
	return renewed, nil
}

func (s *RedisStore) Release(ctx context.Context, flowID, ownerID string) error {
	claimKey := s.keyClaim(flowID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, claimKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != ownerID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, claimKey)
			return nil
		})
		return err
	}, claimKey)
}
