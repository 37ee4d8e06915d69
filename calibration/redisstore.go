package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CK6170/AnalogShield-go/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultRedisKey holds the table when REDIS.KEY is empty.
const DefaultRedisKey = "analogshield:calibration"

// maxTxRetries bounds optimistic-lock retries in Update.
const maxTxRetries = 10

// RedisStore keeps the calibration table as JSON under one Redis key, shared
// by every host driving the same shield model. Updates are published on
// Key+":updates".
type RedisStore struct {
	client *redis.Client
	Key    string
	log    logrus.FieldLogger
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg *models.REDIS, log logrus.FieldLogger) (*RedisStore, error) {
	if cfg == nil || cfg.ADDR == "" {
		return nil, fmt.Errorf("missing REDIS.ADDR")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.ADDR,
		Password: cfg.PASSWORD,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.ADDR, err)
	}
	return NewRedisStoreClient(client, cfg.KEY, log), nil
}

// NewRedisStoreClient wraps an existing client.
func NewRedisStoreClient(client *redis.Client, key string, log logrus.FieldLogger) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisStore{client: client, Key: key, log: log}
}

// Load returns nil, nil when the key does not exist.
func (s *RedisStore) Load(ctx context.Context) (*models.CALIBRATION, error) {
	return s.get(ctx, s.client)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, g getter) (*models.CALIBRATION, error) {
	data, err := g.Get(ctx, s.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.Key, err)
	}
	var c models.CALIBRATION
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse calibration %s: %w", s.Key, err)
	}
	return &c, nil
}

// Update is a WATCH/MULTI read-modify-write, retried when another client
// changed the key in between.
func (s *RedisStore) Update(ctx context.Context, fallback *models.CALIBRATION, mutate func(*models.CALIBRATION)) (*models.CALIBRATION, error) {
	var result *models.CALIBRATION
	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx)
		if err != nil {
			return err
		}
		if cur == nil {
			cur = fallback.Clone()
		}
		mutate(cur)
		cur.UPDATED = time.Now().UTC()
		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.Key, data, 0)
			return nil
		})
		if err == nil {
			result = cur
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, s.Key)
		if errors.Is(err, redis.TxFailedErr) {
			s.log.WithField("attempt", i+1).Debug("calibration key changed, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis update %s: %w", s.Key, err)
		}
		if perr := s.client.Publish(ctx, s.Key+":updates", result.UPDATED.Format(time.RFC3339Nano)).Err(); perr != nil {
			s.log.WithError(perr).Warn("publish calibration update failed")
		}
		return result.Clone(), nil
	}
	return nil, fmt.Errorf("redis update %s: gave up after %d retries", s.Key, maxTxRetries)
}

// Subscribe delivers a notification for every Update by any client until ctx
// is done.
func (s *RedisStore) Subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := s.client.Subscribe(ctx, s.Key+":updates")
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }
