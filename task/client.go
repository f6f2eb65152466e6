package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kmoreau/homeflux/observability"
)

const (
	// statusTTL bounds the staleness of is_running and descriptor answers.
	statusTTL   = 15 * time.Second
	callTimeout = 3 * time.Second
	// sendTimeout applies to the one-way start and stop calls.
	sendTimeout = 5 * time.Second
)

// Client is a remote task proxy. It materializes short lived HTTP calls
// from a task URI; the scheduler stores URIs, not live connections, so a
// task crash is transparent.
type Client struct {
	uri   string
	http  *http.Client
	oneWay *http.Client
	cache *gocache.Cache
}

// NewClient returns a proxy for the task served at uri.
func NewClient(uri string) *Client {
	return &Client{
		uri:    uri,
		http:   &http.Client{Timeout: callTimeout},
		oneWay: &http.Client{Timeout: sendTimeout},
		cache:  gocache.New(statusTTL, time.Minute),
	}
}

// URI returns the task URI this client drives.
func (c *Client) URI() string {
	return c.uri
}

func (c *Client) getBool(ctx context.Context, path string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri+path, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		observability.TaskCommFailures.WithLabelValues(c.uri).Inc()
		return false, fmt.Errorf("task %s: %s: %w", c.uri, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("task %s: %s: unexpected status %d", c.uri, path, resp.StatusCode)
	}
	var result struct {
		Result bool `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("task %s: %s: %w", c.uri, path, err)
	}
	return result.Result, nil
}

func (c *Client) post(client *http.Client, ctx context.Context, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		observability.TaskCommFailures.WithLabelValues(c.uri).Inc()
		return nil, fmt.Errorf("task %s: %s: %w", c.uri, path, err)
	}
	return resp, nil
}

// Descriptor returns the task descriptor. Answers are memoized for a few
// seconds; the scheduler re-reads it every cycle anyway.
func (c *Client) Descriptor(ctx context.Context) (Descriptor, error) {
	if cached, ok := c.cache.Get("descriptor"); ok {
		return cached.(Descriptor), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri+"/task/descriptor", nil)
	if err != nil {
		return Descriptor{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		observability.TaskCommFailures.WithLabelValues(c.uri).Inc()
		return Descriptor{}, fmt.Errorf("task %s: descriptor: %w", c.uri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Descriptor{}, fmt.Errorf("task %s: descriptor: unexpected status %d", c.uri, resp.StatusCode)
	}
	var desc Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return Descriptor{}, fmt.Errorf("task %s: descriptor: %w", c.uri, err)
	}
	c.cache.Set("descriptor", desc, gocache.DefaultExpiration)
	return desc, nil
}

// IsRunning reflects the device state with bounded staleness.
func (c *Client) IsRunning(ctx context.Context) (bool, error) {
	if cached, ok := c.cache.Get("is_running"); ok {
		return cached.(bool), nil
	}
	running, err := c.getBool(ctx, "/task/is_running")
	if err != nil {
		return false, err
	}
	c.cache.Set("is_running", running, gocache.DefaultExpiration)
	return running, nil
}

// IsRunnable reports whether the task can be started.
func (c *Client) IsRunnable(ctx context.Context) (bool, error) {
	return c.getBool(ctx, "/task/is_runnable")
}

// IsStoppable reports whether a stop would take effect.
func (c *Client) IsStoppable(ctx context.Context) (bool, error) {
	return c.getBool(ctx, "/task/is_stoppable")
}

// MeetRunningCriteria asks the task whether the coverage ratio is good
// enough for it to start or keep running.
func (c *Client) MeetRunningCriteria(ctx context.Context, ratio, power float64) (bool, error) {
	resp, err := c.post(c.http, ctx, "/task/meet_running_criteria",
		map[string]float64{"ratio": ratio, "power": power})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("task %s: meet_running_criteria: unexpected status %d",
			c.uri, resp.StatusCode)
	}
	var result struct {
		Result bool `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, err
	}
	return result.Result, nil
}

// Start issues the one-way start call. A timeout is not retried within the
// cycle.
func (c *Client) Start(ctx context.Context) error {
	resp, err := c.post(c.oneWay, ctx, "/task/start", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	c.cache.Delete("is_running")
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("task %s: start: unexpected status %d", c.uri, resp.StatusCode)
	}
	return nil
}

// Stop issues the one-way stop call.
func (c *Client) Stop(ctx context.Context) error {
	resp, err := c.post(c.oneWay, ctx, "/task/stop", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	c.cache.Delete("is_running")
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("task %s: stop: unexpected status %d", c.uri, resp.StatusCode)
	}
	return nil
}

// Desc fetches the one line task description.
func (c *Client) Desc(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri+"/task/desc", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.uri, err
	}
	defer resp.Body.Close()
	var result struct {
		Desc string `json:"desc"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return c.uri, err
	}
	return result.Desc, nil
}
