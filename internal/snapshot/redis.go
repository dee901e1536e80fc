package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the redis backend.
type RedisOptions struct {
	// URL is the connection string, e.g. redis://:password@localhost:6379/0.
	URL string

	// Key holds the snapshot document. The temp key is Key + ".tmp".
	Key string

	// ConnectTimeout bounds the initial PING. Default 5s.
	ConnectTimeout time.Duration
}

// RedisStore keeps the snapshot under a single redis key.
type RedisStore struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedisStore connects to redis and verifies the connection with PING.
func NewRedisStore(opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	if opts.Key == "" {
		return nil, errors.New("snapshot redis key is required")
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, key: opts.Key, logger: logger}, nil
}

// Save writes the document to a temp key and renames it over the snapshot
// key in one MULTI/EXEC, so readers never see a partial document.
func (r *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	tmp := r.key + ".tmp"
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tmp, data, 0)
		pipe.Rename(ctx, tmp, r.key)
		return nil
	})
	if err != nil {
		// Best effort: the temp key is harmless but should not linger.
		r.client.Del(context.WithoutCancel(ctx), tmp)
		return fmt.Errorf("failed to save snapshot to %s: %w", r.key, err)
	}
	return nil
}

// Load reads the snapshot key. A missing key is an empty snapshot.
func (r *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot from %s: %w", r.key, err)
	}
	return Decode(data)
}

// Close closes the redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
