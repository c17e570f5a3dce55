package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"activeconfig/internal/backends/codec"
	"activeconfig/internal/ports"
	"activeconfig/internal/types"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	entryKeyNameTemplate = "_activeconfig_entry_%s"

	// maxTxRetries bounds WATCH retries when another process touched the key.
	maxTxRetries = 5
)

// record is the JSON document stored under each entry key. Blob is zstd-compressed.
type record struct {
	Key        string     `json:"key"`
	Type       int        `json:"type"`
	Value      string     `json:"value"`
	Blob       []byte     `json:"blob,omitempty"`
	ExpireTime *time.Time `json:"expire_time,omitempty"`
	Hash       string     `json:"md5"`
	Status     int        `json:"status"`
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Store implements ports.EntryStore on Redis. The process-local mutex gives the single lock
// domain; WATCH/MULTI protects Mutate against other processes sharing the database.
type Store struct {
	mu  sync.Mutex
	cli *redis.Client
}

var _ ports.EntryStore = (*Store)(nil)

func NewStore(cli *redis.Client) *Store {
	return &Store{cli: cli}
}

func (s *Store) Get(ctx context.Context, id string) (*types.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, s.cli, id)
}

func (s *Store) get(ctx context.Context, cmd getter, id string) (*types.ConfigEntry, error) {
	out := cmd.Get(ctx, getEntryKey(id))
	if out.Err() != nil {
		if errors.Is(out.Err(), redis.Nil) {
			return nil, nil
		}
		return nil, types.Err(types.ErrEntryStoreAccess, out.Err(), "get %s", id)
	}
	e, err := decodeRecord(id, out.Val())
	if err != nil {
		log.WithError(err).WithField("id", id).Warn("unreadable entry treated as absent")
		return nil, nil
	}
	return &e, nil
}

func (s *Store) Upsert(ctx context.Context, entry types.ConfigEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, err := encodeRecord(entry)
	if err != nil {
		return err
	}
	if err := s.cli.Set(ctx, getEntryKey(entry.ID), val, 0).Err(); err != nil {
		return types.Err(types.ErrEntryStoreAccess, err, "upsert %s", entry.ID)
	}
	return nil
}

func (s *Store) Mutate(ctx context.Context, id string, fn ports.MutateFunc) (*types.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := getEntryKey(id)
	var out *types.ConfigEntry
	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		next, write := fn(cur)
		if !write {
			out = cur
			return nil
		}
		next.ID = id
		val, err := encodeRecord(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, 0)
			return nil
		})
		if err != nil {
			return err
		}
		stored := next.Clone()
		out = &stored
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.cli.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, types.Err(types.ErrEntryStoreAccess, err, "mutate %s", id)
		}
	}
	return nil, types.Err(types.ErrEntryStoreAccess, redis.TxFailedErr, "mutate %s: too many retries", id)
}

func (s *Store) All(ctx context.Context) ([]types.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, types.Err(types.ErrEntryStoreAccess, err, "")
	}
	prefixLen := len(getEntryKey(""))
	out := make([]types.ConfigEntry, 0, len(keys))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // deleted between KEYS and MGET
		}
		id := keys[i][prefixLen:]
		e, err := decodeRecord(id, str)
		if err != nil {
			log.WithError(err).WithField("id", id).Warn("skipping unreadable entry")
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Reset deletes every entry key.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.cli.Del(ctx, keys...).Err(); err != nil {
		return types.Err(types.ErrEntryStoreAccess, err, "reset")
	}
	return nil
}

func (s *Store) Close() error {
	return s.cli.Close()
}

func (s *Store) keys(ctx context.Context) ([]string, error) {
	out := s.cli.Keys(ctx, getEntryKey("*"))
	if out.Err() != nil {
		return nil, types.Err(types.ErrEntryStoreAccess, out.Err(), "")
	}
	return out.Val(), nil
}

func encodeRecord(e types.ConfigEntry) (string, error) {
	b, err := json.Marshal(record{
		Key:        e.Key,
		Type:       int(e.Type),
		Value:      e.Value,
		Blob:       codec.EncodeBlob(e.Blob),
		ExpireTime: e.ExpireTime,
		Hash:       e.Hash,
		Status:     int(e.Status),
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRecord(id, val string) (types.ConfigEntry, error) {
	var r record
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return types.ConfigEntry{}, err
	}
	blob, err := codec.DecodeBlob(r.Blob)
	if err != nil {
		return types.ConfigEntry{}, err
	}
	return types.ConfigEntry{
		ID:         id,
		Key:        r.Key,
		Type:       types.ConfigType(r.Type),
		Value:      r.Value,
		Blob:       blob,
		ExpireTime: r.ExpireTime,
		Hash:       r.Hash,
		Status:     types.ItemStatus(r.Status),
	}, nil
}

func getEntryKey(id string) string {
	return fmt.Sprintf(entryKeyNameTemplate, id)
}
