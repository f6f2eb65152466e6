// Package monitor is the client side of the health monitor service. Tasks
// and the watchdog report boolean health facts through it; repeated false
// facts escalate to operator alerts. The monitor service itself is an
// external collaborator.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kmoreau/homeflux/registry"
)

// Client reports health facts to the monitor service. All failures are
// swallowed: losing a health report must never take a task down.
type Client struct {
	reg  *registry.Client
	http *http.Client
}

// New returns a monitor client.
func New(reg *registry.Client) *Client {
	return &Client{
		reg:  reg,
		http: &http.Client{Timeout: 3 * time.Second},
	}
}

// Track reports the state of a named health fact.
func (c *Client) Track(name string, state bool) {
	if c == nil || c.reg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url, err := c.reg.LocateService(ctx, "monitor")
	if err != nil {
		return
	}
	body, _ := json.Marshal(map[string]any{"name": name, "state": state})
	resp, err := c.http.Post(url+"/track", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("monitor: track %s failed: %v", name, err)
		return
	}
	resp.Body.Close()
}
