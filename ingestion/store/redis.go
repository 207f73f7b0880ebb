package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/afrifund/fundflow/ingestion/observability"
)

const (
	seenKeyPrefix = "fundflow:seen:"
	idemKeyPrefix = "fundflow:idem:"

	// seenTTL bounds the seen-set; a raw payload re-arriving after this
	// window is treated as new and relies on dedup downstream.
	seenTTL = 30 * 24 * time.Hour
)

// RedisSeen implements SeenSet and Idempotency on Redis. SetNX gives the
// atomic first-arrival claim; concurrent collectors cannot both win.
type RedisSeen struct {
	client *redis.Client
}

func NewRedisSeen(addr, password string, db int) (*RedisSeen, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisSeen{client: client}, nil
}

func (s *RedisSeen) FirstSeen(ctx context.Context, contentHash string) (bool, error) {
	start := time.Now()
	defer func() {
		observability.ExternalCallDuration.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}()
	return s.client.SetNX(ctx, seenKeyPrefix+contentHash, 1, seenTTL).Result()
}

func (s *RedisSeen) GetIdempotent(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, idemKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisSeen) SetIdempotentNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, idemKeyPrefix+key, value, ttl).Result()
}

func (s *RedisSeen) Close() error {
	return s.client.Close()
}
