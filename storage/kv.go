// Package storage provides the persisted state backends: a key/value store
// for per-service durable blobs (OAuth tokens, calibration tables, last
// known car data) and the power history the budgeted tasks query.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const kvPrefix = "homeflux:kv:"

// ErrNoValue is returned when a key has no stored value.
var ErrNoValue = errors.New("storage: no value")

// KV is the persisted key/value store, keyed by service name. The schema of
// each value is owner defined.
type KV struct {
	rdb     *redis.Client
	service string
}

// NewKV connects the key/value store for the named service.
func NewKV(addr, password string, db int, service string) (*KV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: connect %s: %w", addr, err)
	}
	return &KV{rdb: rdb, service: service}, nil
}

func (kv *KV) key(name string) string {
	return kvPrefix + kv.service + ":" + name
}

// Put stores value under name, JSON encoded.
func (kv *KV) Put(ctx context.Context, name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", name, err)
	}
	if err := kv.rdb.Set(ctx, kv.key(name), data, 0).Err(); err != nil {
		return fmt.Errorf("storage: put %s: %w", name, err)
	}
	return nil
}

// Get loads the value stored under name into out.
func (kv *KV) Get(ctx context.Context, name string, out any) error {
	data, err := kv.rdb.Get(ctx, kv.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrNoValue, name)
	}
	if err != nil {
		return fmt.Errorf("storage: get %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("storage: decode %s: %w", name, err)
	}
	return nil
}
