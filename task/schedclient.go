package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/avast/retry-go"

	"github.com/kmoreau/homeflux/registry"
)

// SchedulerClient is the scheduler service proxy used by task processes to
// register themselves and probe the pause state.
type SchedulerClient struct {
	reg  *registry.Client
	http *http.Client
}

// NewSchedulerClient returns a scheduler proxy.
func NewSchedulerClient(reg *registry.Client) *SchedulerClient {
	return &SchedulerClient{
		reg:  reg,
		http: &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *SchedulerClient) attempt(ctx context.Context, fn func(url string) error) error {
	return retry.Do(
		func() error {
			url, err := c.reg.LocateService(ctx, "scheduler")
			if err != nil {
				return err
			}
			return fn(url)
		},
		retry.Attempts(2),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func (c *SchedulerClient) post(ctx context.Context, path string, body any) error {
	return c.attempt(ctx, func(url string) error {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		resp, err := c.http.Post(url+path, "application/json", bytes.NewReader(data))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	})
}

// RegisterTask registers a task URI with the scheduler. Idempotent.
func (c *SchedulerClient) RegisterTask(ctx context.Context, uri string) {
	if err := c.post(ctx, "/register_task", map[string]string{"uri": uri}); err != nil {
		log.Printf("scheduler: register task failed: %v", err)
	}
}

// UnregisterTask removes a task URI from the scheduler.
func (c *SchedulerClient) UnregisterTask(ctx context.Context, uri string) {
	if err := c.post(ctx, "/unregister_task", map[string]string{"uri": uri}); err != nil {
		log.Printf("scheduler: unregister task failed: %v", err)
	}
}

// IsOnPause probes the scheduler pause state. If the scheduler cannot be
// reached it is assumed dead and therefore on pause.
func (c *SchedulerClient) IsOnPause(ctx context.Context) bool {
	paused := true
	err := c.attempt(ctx, func(url string) error {
		resp, err := c.http.Get(url + "/is_on_pause")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		var result struct {
			Result bool `json:"result"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return err
		}
		paused = result.Result
		return nil
	})
	if err != nil {
		return true
	}
	return paused
}
