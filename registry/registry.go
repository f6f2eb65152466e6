// Package registry implements the redis backed name registry through which
// the homeflux services find each other.
//
// Three namespaces are used: sensor.<name>, service.<name> and task.<name>.
// Every service re-registers itself on each cycle; entries carry a TTL so
// that names of dead processes age out on their own.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "homeflux:names:"
	defaultTTL = 5 * time.Minute
)

// Qualifiers for the three registry namespaces.
const (
	QualifierSensor  = "sensor"
	QualifierService = "service"
	QualifierTask    = "task"
)

// ErrNotFound is returned when a name is not registered.
var ErrNotFound = errors.New("registry: name not found")

// Client talks to the name registry.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to the registry backend and verifies the connection.
func New(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registry: connect %s: %w", addr, err)
	}
	return &Client{rdb: rdb, ttl: defaultTTL}, nil
}

func key(qualifier, name string) string {
	return keyPrefix + qualifier + "." + name
}

// Register binds name to url under the given qualifier. Registration is
// idempotent; re-registering refreshes the TTL.
func (c *Client) Register(ctx context.Context, qualifier, name, url string) error {
	if err := c.rdb.Set(ctx, key(qualifier, name), url, c.ttl).Err(); err != nil {
		return fmt.Errorf("registry: register %s.%s: %w", qualifier, name, err)
	}
	return nil
}

// Locate resolves a registered name to its remote handle URL.
func (c *Client) Locate(ctx context.Context, qualifier, name string) (string, error) {
	url, err := c.rdb.Get(ctx, key(qualifier, name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s.%s", ErrNotFound, qualifier, name)
	}
	if err != nil {
		return "", fmt.Errorf("registry: locate %s.%s: %w", qualifier, name, err)
	}
	return url, nil
}

// RegisterTask registers a task URI.
func (c *Client) RegisterTask(ctx context.Context, name, url string) error {
	return c.Register(ctx, QualifierTask, name, url)
}

// RegisterSensor registers a sensor URI.
func (c *Client) RegisterSensor(ctx context.Context, name, url string) error {
	return c.Register(ctx, QualifierSensor, name, url)
}

// RegisterService registers a service URI.
func (c *Client) RegisterService(ctx context.Context, name, url string) error {
	return c.Register(ctx, QualifierService, name, url)
}

// LocateSensor resolves a sensor name.
func (c *Client) LocateSensor(ctx context.Context, name string) (string, error) {
	return c.Locate(ctx, QualifierSensor, name)
}

// LocateService resolves a service name.
func (c *Client) LocateService(ctx context.Context, name string) (string, error) {
	return c.Locate(ctx, QualifierService, name)
}
