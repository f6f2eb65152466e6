package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Wallbox charger states of interest.
const (
	wallboxFullyCharged    = 181
	wallboxUnplugged       = 161
	wallboxWaitingSchedule = 179
	wallboxPaused          = 182
	wallboxCharging        = 194
)

type wallboxStatus struct {
	StatusID   int `json:"status_id"`
	ConfigData struct {
		MaxChargingCurrent  int `json:"max_charging_current"`
		MaxAvailableCurrent int `json:"max_available_current"`
	} `json:"config_data"`
}

// WallboxCharger drives a Wallbox Pulsar through its cloud API. The car
// state of charge comes from a separate car data sensor since the charger
// itself has no view of the battery.
type WallboxCharger struct {
	name       string
	baseURL    string
	login      string
	password   string
	chargerID  string
	maxSoC     float64
	soc        func() (float64, error)
	http       *http.Client
	limiter    *rate.Limiter
	cache      *gocache.Cache
	token      string
}

// NewWallboxCharger returns a Wallbox driver. soc reads the car state of
// charge from the car data sensor.
func NewWallboxCharger(name, baseURL, login, password, chargerID string,
	maxSoC float64, soc func() (float64, error)) *WallboxCharger {
	return &WallboxCharger{
		name:      name,
		baseURL:   baseURL,
		login:     login,
		password:  password,
		chargerID: chargerID,
		maxSoC:    maxSoC,
		soc:       soc,
		http:      &http.Client{Timeout: 5 * time.Second},
		// The Wallbox cloud throttles aggressively; stay polite.
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		cache:   gocache.New(15*time.Second, time.Minute),
	}
}

func (c *WallboxCharger) Name() string { return c.name }

func (c *WallboxCharger) authenticate() error {
	body, _ := json.Marshal(map[string]string{
		"username": c.login, "password": c.password,
	})
	resp, err := c.http.Post(c.baseURL+"/auth/token", "application/json",
		bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("wallbox: authenticate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallbox: authenticate: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"jwt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("wallbox: authenticate: %w", err)
	}
	c.token = out.Token
	return nil
}

// call performs one API call, re-authenticating on a rejected token.
func (c *WallboxCharger) call(method, path string, body, out any) error {
	return retry.Do(
		func() error {
			c.limiter.Wait(context.Background())
			if c.token == "" {
				if err := c.authenticate(); err != nil {
					return err
				}
			}
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
			req.Header.Set("Authorization", "Bearer "+c.token)
			req.Header.Set("Content-Type", "application/json")
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				c.token = ""
				return fmt.Errorf("wallbox: token rejected")
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("wallbox: %s: unexpected status %d", path, resp.StatusCode)
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

func (c *WallboxCharger) status() (wallboxStatus, error) {
	if cached, ok := c.cache.Get("status"); ok {
		return cached.(wallboxStatus), nil
	}
	var status wallboxStatus
	err := c.call(http.MethodGet, "/chargers/status/"+c.chargerID, nil, &status)
	if err != nil {
		return wallboxStatus{}, err
	}
	c.cache.Set("status", status, gocache.DefaultExpiration)
	return status, nil
}

func (c *WallboxCharger) Start() error {
	err := c.call(http.MethodPost, "/chargers/"+c.chargerID+"/remote-action",
		map[string]int{"action": 1}, nil)
	c.cache.Flush()
	return err
}

func (c *WallboxCharger) Stop() error {
	err := c.call(http.MethodPost, "/chargers/"+c.chargerID+"/remote-action",
		map[string]int{"action": 2}, nil)
	c.cache.Flush()
	return err
}

func (c *WallboxCharger) IsCharging() (bool, error) {
	status, err := c.status()
	if err != nil {
		return false, err
	}
	return status.StatusID == wallboxCharging, nil
}

func (c *WallboxCharger) IsPluggedIn() (bool, error) {
	status, err := c.status()
	if err != nil {
		return false, err
	}
	return status.StatusID != wallboxUnplugged &&
		status.StatusID != wallboxFullyCharged, nil
}

func (c *WallboxCharger) CanCharge() (bool, error) {
	soc, err := c.StateOfCharge()
	if err != nil {
		return false, err
	}
	return soc < c.maxSoC, nil
}

func (c *WallboxCharger) MinChargingCurrent() int { return 6 }

func (c *WallboxCharger) MaxChargingCurrent() (int, error) {
	status, err := c.status()
	if err != nil {
		return 0, err
	}
	return status.ConfigData.MaxAvailableCurrent, nil
}

func (c *WallboxCharger) ChargingCurrent() (int, error) {
	status, err := c.status()
	if err != nil {
		return 0, err
	}
	return status.ConfigData.MaxChargingCurrent, nil
}

func (c *WallboxCharger) SetChargingCurrent(amps int) error {
	err := c.call(http.MethodPut, "/chargers/config/"+c.chargerID,
		map[string]int{"maxChargingCurrent": amps}, nil)
	c.cache.Flush()
	return err
}

func (c *WallboxCharger) StateOfCharge() (float64, error) {
	return c.soc()
}

func (c *WallboxCharger) MaxStateOfCharge() float64 { return c.maxSoC }
