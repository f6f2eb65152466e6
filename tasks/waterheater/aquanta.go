package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/avast/retry-go"
	gocache "github.com/patrickmn/go-cache"
)

// Modes of the cloud controlled tank.
const (
	modeTimer = "timer"
	modeBoost = "boost"
	modeAway  = "away"
)

// fahrenheit converts a Celsius temperature.
func fahrenheit(celsius float64) float64 {
	return celsius*9/5 + 32
}

// AquantaClient is the opaque driver of an Aquanta controlled water heater.
// The device is configured in timer mode so that, should this service or
// the vendor API disappear, the tank falls back on its own schedule.
type AquantaClient struct {
	baseURL  string
	deviceID string
	http     *http.Client
	cache    *gocache.Cache
	apiKey   string
}

// NewAquantaClient returns a driver for the given device.
func NewAquantaClient(baseURL, apiKey, deviceID string) *AquantaClient {
	return &AquantaClient{
		baseURL:  baseURL,
		deviceID: deviceID,
		http:     &http.Client{Timeout: 5 * time.Second},
		cache:    gocache.New(30*time.Second, time.Minute),
		apiKey:   apiKey,
	}
}

// DeviceExists verifies the configured device is visible on the account.
func (c *AquantaClient) DeviceExists() error {
	var devices []string
	if err := c.get("/devices", &devices); err != nil {
		return fmt.Errorf("aquanta: device list: %w", err)
	}
	for _, id := range devices {
		if id == c.deviceID {
			return nil
		}
	}
	return fmt.Errorf("aquanta: device %s does not exist", c.deviceID)
}

func (c *AquantaClient) do(method, path string, body, out any) error {
	return retry.Do(
		func() error {
			var buf bytes.Buffer
			if body != nil {
				if err := json.NewEncoder(&buf).Encode(body); err != nil {
					return err
				}
			}
			req, err := http.NewRequest(method, c.baseURL+path, &buf)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
			req.Header.Set("Content-Type", "application/json")
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			if out != nil {
				return json.NewDecoder(resp.Body).Decode(out)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func (c *AquantaClient) get(path string, out any) error {
	return c.do(http.MethodGet, "/devices/"+c.deviceID+path, nil, out)
}

// Water returns the tank temperature in °F and the available hot water as a
// fraction in [0, 1].
func (c *AquantaClient) Water() (temperature, available float64, err error) {
	type water struct {
		Temperature float64 `json:"temperature"`
		Available   float64 `json:"available"`
	}
	if cached, ok := c.cache.Get("water"); ok {
		w := cached.(water)
		return fahrenheit(w.Temperature), w.Available, nil
	}
	var w water
	if err := c.get("/water", &w); err != nil {
		return 0, 0, fmt.Errorf("aquanta: water: %w", err)
	}
	c.cache.Set("water", w, gocache.DefaultExpiration)
	return fahrenheit(w.Temperature), w.Available, nil
}

// Mode returns the active control mode.
func (c *AquantaClient) Mode() (string, error) {
	if cached, ok := c.cache.Get("mode"); ok {
		return cached.(string), nil
	}
	var out struct {
		CurrentMode struct {
			Type string `json:"type"`
		} `json:"currentMode"`
	}
	if err := c.get("/infocenter", &out); err != nil {
		return "", fmt.Errorf("aquanta: mode: %w", err)
	}
	c.cache.Set("mode", out.CurrentMode.Type, gocache.DefaultExpiration)
	return out.CurrentMode.Type, nil
}

func (c *AquantaClient) setWindowMode(mode string, duration time.Duration) error {
	now := time.Now().UTC()
	body := map[string]string{
		// Start slightly in the past so the mode applies immediately.
		"start": now.Add(-time.Minute).Format(time.RFC3339),
		"end":   now.Add(duration).Format(time.RFC3339),
	}
	err := c.do(http.MethodPut, "/devices/"+c.deviceID+"/"+mode, body, nil)
	c.cache.Delete("mode")
	if err != nil {
		return fmt.Errorf("aquanta: set %s: %w", mode, err)
	}
	return nil
}

// SetBoost forces the heater on for duration.
func (c *AquantaClient) SetBoost(duration time.Duration) error {
	return c.setWindowMode(modeBoost, duration)
}

// SetAway forces the heater off for duration.
func (c *AquantaClient) SetAway(duration time.Duration) error {
	return c.setWindowMode(modeAway, duration)
}

// SetTimer returns the device to its own schedule, deleting the active
// boost or away window if any.
func (c *AquantaClient) SetTimer() error {
	mode, err := c.Mode()
	if err != nil {
		return err
	}
	if mode == modeTimer {
		return nil
	}
	err = c.do(http.MethodDelete, "/devices/"+c.deviceID+"/"+mode, nil, nil)
	c.cache.Delete("mode")
	if err != nil {
		return fmt.Errorf("aquanta: delete %s: %w", mode, err)
	}
	return nil
}

type scheduleEntry struct {
	DaysOfWeek []int `json:"daysOfWeek"`
	Start      struct {
		Hour   int `json:"hour"`
		Minute int `json:"minute"`
	} `json:"start"`
	End struct {
		Hour   int `json:"hour"`
		Minute int `json:"minute"`
	} `json:"end"`
}

// Window is a scheduled on period.
type Window struct {
	Start time.Time
	End   time.Time
}

// TodaySchedule returns today's scheduled on windows in chronological
// order.
func (c *AquantaClient) TodaySchedule() ([]Window, error) {
	var out struct {
		Schedules []scheduleEntry `json:"schedules"`
	}
	if err := c.get("/timer", &out); err != nil {
		return nil, fmt.Errorf("aquanta: timer: %w", err)
	}
	weekday := int(time.Now().Weekday())
	now := time.Now()
	var windows []Window
	for _, entry := range out.Schedules {
		for _, day := range entry.DaysOfWeek {
			if day != weekday {
				continue
			}
			windows = append(windows, Window{
				Start: time.Date(now.Year(), now.Month(), now.Day(),
					entry.Start.Hour, entry.Start.Minute, 0, 0, now.Location()),
				End: time.Date(now.Year(), now.Month(), now.Day(),
					entry.End.Hour, entry.End.Minute, 0, 0, now.Location()),
			})
		}
	}
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Start.Before(windows[j].Start)
	})
	return windows, nil
}
