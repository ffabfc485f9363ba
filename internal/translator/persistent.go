package translator

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sudzxd/live-translator/internal/fingerprint"
	"github.com/sudzxd/live-translator/internal/trace"
)

const keyPrefix = "livetranslator:tr:"

// Store is the key/value surface the persistent tier needs.
type Store interface {
	BatchWriter
	Get(ctx context.Context, key string) (string, bool, error)
}

// Persistent keeps translations across sessions. It consults store before
// calling next and queues fresh results for a batched write. Store failures
// are logged and never fail a translation.
type Persistent struct {
	next   Translator
	store  Store
	writes *Batcher
}

// NewPersistent wraps next with a persistent tier. Entries expire after ttl
// (zero keeps them).
func NewPersistent(next Translator, store Store, ttl time.Duration) *Persistent {
	return &Persistent{
		next:   next,
		store:  store,
		writes: NewBatcher(store, ttl, DefaultBatchMaxSize, DefaultBatchFlushDelay),
	}
}

// Translate implements Translator.
func (p *Persistent) Translate(ctx context.Context, text, source, target string) (string, error) {
	key := keyPrefix + fingerprint.NewTextKey(text, source, target).Hash()
	log := trace.Logger(ctx)

	if v, ok, err := p.store.Get(ctx, key); err != nil {
		log.Warn("translation store read failed", "error", err)
	} else if ok {
		return v, nil
	}

	translated, err := p.next.Translate(ctx, text, source, target)
	if err != nil {
		return "", err
	}
	p.writes.Add(key, translated)
	return translated, nil
}

// Close writes pending translations.
func (p *Persistent) Close() {
	p.writes.Stop()
}

// RedisStore adapts a go-redis client to Store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance at url (redis://...).
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetMany implements BatchWriter with a single pipeline.
func (r *RedisStore) SetMany(ctx context.Context, records []Record, ttl time.Duration) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range records {
			pipe.Set(ctx, rec.Key, rec.Value, ttl)
		}
		return nil
	})
	return err
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
