package entry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "analysiscache:"

// maxWatchRetries bounds optimistic transaction attempts when a watched key
// changes underneath us. Each attempt re-reads and re-evaluates the condition.
const maxWatchRetries = 8

// RedisStore stores entries in Redis.
//
// Layout: one JSON value per signature, a set of signatures per profile, a
// sorted set of saved signatures per owner (scored by creation time) and one
// sorted set of ephemeral signatures scored by expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) entryKey(sig string) string       { return s.prefix + "entry:" + sig }
func (s *RedisStore) profileKey(profile string) string { return s.prefix + "profile:" + profile }
func (s *RedisStore) savedKey(userID string) string    { return s.prefix + "saved:" + userID }
func (s *RedisStore) ephemeralKey() string             { return s.prefix + "ephemeral" }

func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func decodeRedisEntry(raw []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if string(e.Payload) == "null" {
		e.Payload = nil
	}
	e.Tags = tagsOrEmpty(e.Tags)
	return &e, nil
}

func readRedisEntry(ctx context.Context, tx *redis.Tx, key string) (*Entry, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return decodeRedisEntry(raw)
}

// unindex removes e from every secondary index.
func (s *RedisStore) unindex(ctx context.Context, pipe redis.Pipeliner, e *Entry) {
	pipe.SRem(ctx, s.profileKey(e.OwnerProfileID), e.Signature)
	pipe.ZRem(ctx, s.ephemeralKey(), e.Signature)
	if e.OwnerUserID != nil {
		pipe.ZRem(ctx, s.savedKey(*e.OwnerUserID), e.Signature)
	}
}

// write stores e and its secondary indexes.
func (s *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, e *Entry) error {
	raw, err := marshalJSON(e, "entry")
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.entryKey(e.Signature), raw, 0)
	pipe.SAdd(ctx, s.profileKey(e.OwnerProfileID), e.Signature)
	if e.ExpiresAt != nil {
		pipe.ZAdd(ctx, s.ephemeralKey(), redis.Z{Score: scoreOf(*e.ExpiresAt), Member: e.Signature})
	}
	if e.IsSaved && e.OwnerUserID != nil {
		pipe.ZAdd(ctx, s.savedKey(*e.OwnerUserID), redis.Z{Score: scoreOf(e.CreatedAt), Member: e.Signature})
	}
	return nil
}

// watch runs fn in an optimistic transaction on the entry key, retrying when
// the key changed between read and commit.
func (s *RedisStore) watch(ctx context.Context, sig string, fn func(tx *redis.Tx) error) error {
	key := s.entryKey(sig)
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: entry %s kept changing during transaction", ErrTransient, sig)
}

// Upsert inserts or replaces an entry.
func (s *RedisStore) Upsert(ctx context.Context, e *Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	c := e.Clone()
	c.Tags = tagsOrEmpty(c.Tags)
	err := s.watch(ctx, c.Signature, func(tx *redis.Tx) error {
		old, err := readRedisEntry(ctx, tx, s.entryKey(c.Signature))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if old != nil {
				s.unindex(ctx, pipe, old)
			}
			return s.write(ctx, pipe, c)
		})
		return err
	})
	if err != nil {
		return classifyCommon(fmt.Errorf("upsert entry: %w", err))
	}
	return nil
}

// Get returns an entry by signature.
func (s *RedisStore) Get(ctx context.Context, sig string) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.entryKey(sig)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, classifyCommon(fmt.Errorf("query entry: %w", err))
	}
	return decodeRedisEntry(raw)
}

func (s *RedisStore) mget(ctx context.Context, sigs []string) ([]*Entry, error) {
	if len(sigs) == 0 {
		return []*Entry{}, nil
	}
	keys := make([]string, len(sigs))
	for i, sig := range sigs {
		keys[i] = s.entryKey(sig)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classifyCommon(fmt.Errorf("query entries: %w", err))
	}
	out := make([]*Entry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decodeRedisEntry([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetMany returns entries among sigs that pass filter.
func (s *RedisStore) GetMany(ctx context.Context, sigs []string, filter Filter) ([]*Entry, error) {
	unique := make([]string, 0, len(sigs))
	seen := make(map[string]struct{}, len(sigs))
	for _, sig := range sigs {
		if _, dup := seen[sig]; !dup {
			seen[sig] = struct{}{}
			unique = append(unique, sig)
		}
	}
	all, err := s.mget(ctx, unique)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Update applies a guarded partial update.
func (s *RedisStore) Update(ctx context.Context, sig string, patch Patch, cond Condition) (bool, error) {
	if err := patch.Validate(); err != nil {
		return false, err
	}
	var applied bool
	err := s.watch(ctx, sig, func(tx *redis.Tx) error {
		applied = false
		e, err := readRedisEntry(ctx, tx, s.entryKey(sig))
		if err != nil {
			return err
		}
		if e == nil || !cond.Holds(e) {
			return nil
		}
		old := e.Clone()
		patch.Apply(e)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.unindex(ctx, pipe, old)
			return s.write(ctx, pipe, e)
		})
		if err == nil {
			applied = true
		}
		return err
	})
	if err != nil {
		return false, classifyCommon(fmt.Errorf("update entry: %w", err))
	}
	return applied, nil
}

// deleteIf removes the entry at sig when match accepts it.
func (s *RedisStore) deleteIf(ctx context.Context, sig string, match func(*Entry) bool) (bool, error) {
	var deleted bool
	err := s.watch(ctx, sig, func(tx *redis.Tx) error {
		deleted = false
		e, err := readRedisEntry(ctx, tx, s.entryKey(sig))
		if err != nil {
			return err
		}
		if e == nil || !match(e) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.entryKey(sig))
			s.unindex(ctx, pipe, e)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	})
	return deleted, err
}

// Delete removes one entry.
func (s *RedisStore) Delete(ctx context.Context, sig string) error {
	if _, err := s.deleteIf(ctx, sig, func(*Entry) bool { return true }); err != nil {
		return classifyCommon(fmt.Errorf("delete entry: %w", err))
	}
	return nil
}

// DeleteByProfile removes every entry of a profile.
func (s *RedisStore) DeleteByProfile(ctx context.Context, profileID string) (int64, error) {
	sigs, err := s.client.SMembers(ctx, s.profileKey(profileID)).Result()
	if err != nil {
		return 0, classifyCommon(fmt.Errorf("list profile entries: %w", err))
	}
	var n int64
	for _, sig := range sigs {
		deleted, err := s.deleteIf(ctx, sig, func(e *Entry) bool { return e.OwnerProfileID == profileID })
		if err != nil {
			return n, classifyCommon(fmt.Errorf("delete profile entry %s: %w", sig, err))
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

// CountSaved counts saved entries owned by userID.
func (s *RedisStore) CountSaved(ctx context.Context, userID string) (int, error) {
	n, err := s.client.ZCard(ctx, s.savedKey(userID)).Result()
	if err != nil {
		return 0, classifyCommon(fmt.Errorf("count saved entries: %w", err))
	}
	return int(n), nil
}

// ListSaved returns saved entries ordered by created_at desc, signature desc.
func (s *RedisStore) ListSaved(ctx context.Context, userID string, limit, offset int) ([]*Entry, error) {
	limit = normalizeLimit(limit)
	offset = normalizeOffset(offset)
	sigs, err := s.client.ZRevRange(ctx, s.savedKey(userID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, classifyCommon(fmt.Errorf("list saved entries: %w", err))
	}
	entries, err := s.mget(ctx, sigs)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.IsSaved && e.OwnedBy(userID) {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteExpired removes ephemeral entries expired at or before before.
func (s *RedisStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	sigs, err := s.client.ZRangeByScore(ctx, s.ephemeralKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, classifyCommon(fmt.Errorf("list expired entries: %w", err))
	}
	var n int64
	for _, sig := range sigs {
		deleted, err := s.deleteIf(ctx, sig, func(e *Entry) bool {
			return e.ExpiresAt != nil && !e.ExpiresAt.After(before)
		})
		if err != nil {
			return n, classifyCommon(fmt.Errorf("delete expired entry %s: %w", sig, err))
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

// Close is a no-op; the client lifecycle is managed by storage layer.
func (s *RedisStore) Close() error {
	return nil
}
