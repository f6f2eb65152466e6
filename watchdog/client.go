package watchdog

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

// Client is the watchdog service proxy. It suppresses the burden of
// locating the watchdog and handling remote errors: a heartbeat that cannot
// be delivered is logged and dropped, the watchdog will act on the missing
// kick on its own.
type Client struct {
	reg  *registry.Client
	http *http.Client
}

// NewClient returns a watchdog proxy.
func NewClient(reg *registry.Client) *Client {
	return &Client{
		reg:  reg,
		http: &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	return retry.Do(
		func() error {
			url, err := c.reg.LocateService(ctx, "watchdog")
			if err != nil {
				return err
			}
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
		},
		retry.Attempts(2),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

// Register adds the process to the watchdog monitored set.
func (c *Client) Register(ctx context.Context, pid int, name string) {
	err := c.post(ctx, "/register", map[string]any{"pid": pid, "name": name})
	if err != nil {
		log.Printf("watchdog: register %s failed: %v", name, err)
	}
}

// Kick resets the process watchdog timer.
func (c *Client) Kick(ctx context.Context, pid int) {
	if err := c.post(ctx, "/kick", map[string]any{"pid": pid}); err != nil {
		log.Printf("watchdog: kick failed: %v", err)
	}
}
