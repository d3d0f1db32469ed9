package store

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/caregohq/carego-sync/internal/config"
	"github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/models"
)

// RedisStore keeps each operation as a JSON value under a prefixed key and
// conflict records in a list. Update uses WATCH-based optimistic locking so
// read-modify-write transitions stay atomic without a process-wide lock.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// watchRetries bounds optimistic lock retries under contention.
const watchRetries = 5

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(cfg config.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(errors.ErrStorage, "connect redis", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "carego:sync"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) opKey(id models.UUID) string {
	return s.prefix + ":op:" + id.String()
}

func (s *RedisStore) conflictsKey() string {
	return s.prefix + ":conflicts"
}

func encodeOp(op *models.SyncOperation) (string, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, "encode operation", err)
	}
	return string(raw), nil
}

func decodeOp(raw []byte) (*models.SyncOperation, error) {
	var op models.SyncOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "decode operation", err)
	}
	return &op, nil
}

// Put inserts a new operation.
func (s *RedisStore) Put(ctx context.Context, op *models.SyncOperation) error {
	raw, err := encodeOp(op)
	if err != nil {
		return err
	}

	ok, err := s.rdb.SetNX(ctx, s.opKey(op.ID), raw, 0).Result()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "insert operation", err)
	}
	if !ok {
		return errors.New(errors.ErrStorage, "duplicate operation id "+op.ID.String())
	}
	return nil
}

// Get returns the operation with the given id.
func (s *RedisStore) Get(ctx context.Context, id models.UUID) (*models.SyncOperation, error) {
	raw, err := s.rdb.Get(ctx, s.opKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.New(errors.ErrNotFound, "operation "+id.String())
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "query operation", err)
	}
	return decodeOp(raw)
}

// Update applies fn under WATCH so concurrent transitions retry instead of
// clobbering each other.
func (s *RedisStore) Update(ctx context.Context, id models.UUID, fn func(*models.SyncOperation) error) (*models.SyncOperation, error) {
	key := s.opKey(id)
	var updated *models.SyncOperation

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return errors.New(errors.ErrNotFound, "operation "+id.String())
		}
		if err != nil {
			return errors.Wrap(errors.ErrStorage, "query operation", err)
		}

		op, err := decodeOp(raw)
		if err != nil {
			return err
		}
		if err := fn(op); err != nil {
			return err
		}
		op.ID = id // id is immutable

		encoded, err := encodeOp(op)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = op
		return nil
	}

	for i := 0; i < watchRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		if _, ok := err.(*errors.AppError); ok {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrStorage, "update operation", err)
	}
	return nil, errors.New(errors.ErrStorage, "update contention on operation "+id.String())
}

// Delete removes the operation with the given id.
func (s *RedisStore) Delete(ctx context.Context, id models.UUID) error {
	n, err := s.rdb.Del(ctx, s.opKey(id)).Result()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "delete operation", err)
	}
	if n == 0 {
		return errors.New(errors.ErrNotFound, "operation "+id.String())
	}
	return nil
}

// List returns all stored operations by scanning the key prefix.
func (s *RedisStore) List(ctx context.Context) ([]*models.SyncOperation, error) {
	var out []*models.SyncOperation
	var cursor uint64

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+":op:*", 100).Result()
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "scan operations", err)
		}

		for _, key := range keys {
			raw, err := s.rdb.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue // deleted between scan and get
			}
			if err != nil {
				return nil, errors.Wrap(errors.ErrStorage, "query operation", err)
			}
			op, err := decodeOp(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, op)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// PutConflict pushes a conflict resolution record, newest first.
func (s *RedisStore) PutConflict(ctx context.Context, c *models.ConflictLog) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "encode conflict record", err)
	}
	if err := s.rdb.LPush(ctx, s.conflictsKey(), raw).Err(); err != nil {
		return errors.Wrap(errors.ErrStorage, "insert conflict record", err)
	}
	return nil
}

// Conflicts returns up to limit conflict records, newest first.
func (s *RedisStore) Conflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	stop := int64(limit - 1)
	if limit <= 0 {
		stop = -1
	}

	raws, err := s.rdb.LRange(ctx, s.conflictsKey(), 0, stop).Result()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "list conflicts", err)
	}

	out := make([]*models.ConflictLog, 0, len(raws))
	for _, raw := range raws {
		var c models.ConflictLog
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "decode conflict record", err)
		}
		out = append(out, &c)
	}
	return out, nil
}

// Close closes the client connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
