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

	"github.com/kmoreau/homeflux/storage"
)

type teslaChargeState struct {
	ChargingState           string  `json:"charging_state"`
	BatteryLevel            float64 `json:"battery_level"`
	ChargeLimitSoC          float64 `json:"charge_limit_soc"`
	ChargeAmps              int     `json:"charge_amps"`
	ChargeCurrentRequestMax int     `json:"charge_current_request_max"`
	Latitude                float64 `json:"latitude"`
	Longitude               float64 `json:"longitude"`
}

// TeslaCharger drives the onboard charger of a Tesla vehicle through the
// owner API. The OAuth token is persisted in the key/value store so that
// restarts do not force a new login.
type TeslaCharger struct {
	name    string
	baseURL string
	vin     string
	home    [2]float64
	// homeThresholdFeet bounds how far from home the car still counts as
	// home; past it the charger refuses to operate.
	homeThresholdFeet float64
	kv                *storage.KV
	http              *http.Client
	cache             *gocache.Cache
	token             string
	wasHome           bool
}

// NewTeslaCharger returns a Tesla driver for the vehicle with the given
// VIN.
func NewTeslaCharger(name, baseURL, vin string, home [2]float64,
	homeThresholdFeet float64, kv *storage.KV) (*TeslaCharger, error) {
	c := &TeslaCharger{
		name:              name,
		baseURL:           baseURL,
		vin:               vin,
		home:              home,
		homeThresholdFeet: homeThresholdFeet,
		kv:                kv,
		http:              &http.Client{Timeout: 10 * time.Second},
		cache:             gocache.New(15*time.Second, time.Minute),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := kv.Get(ctx, "tesla_token", &c.token); err != nil {
		return nil, fmt.Errorf("tesla: no persisted token: %w", err)
	}
	return c, nil
}

func (c *TeslaCharger) Name() string { return c.name }

func (c *TeslaCharger) call(method, path string, body, out any) error {
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
			req.Header.Set("Authorization", "Bearer "+c.token)
			req.Header.Set("Content-Type", "application/json")
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusRequestTimeout {
				// Vehicle asleep; wake it and retry.
				c.wakeUp()
				return fmt.Errorf("tesla: vehicle offline")
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("tesla: %s: unexpected status %d", path, resp.StatusCode)
			}
			if out != nil {
				return json.NewDecoder(resp.Body).Decode(out)
			}
			return nil
		},
		retry.Attempts(2),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
}

func (c *TeslaCharger) wakeUp() {
	req, err := http.NewRequest(http.MethodPost,
		c.baseURL+"/vehicles/"+c.vin+"/wake_up", nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if resp, err := c.http.Do(req); err == nil {
		resp.Body.Close()
	}
}

func (c *TeslaCharger) status() (teslaChargeState, error) {
	if cached, ok := c.cache.Get("status"); ok {
		return cached.(teslaChargeState), nil
	}
	var out struct {
		Response teslaChargeState `json:"response"`
	}
	err := c.call(http.MethodGet, "/vehicles/"+c.vin+"/vehicle_data", nil, &out)
	if err != nil {
		return teslaChargeState{}, err
	}
	c.cache.Set("status", out.Response, gocache.DefaultExpiration)
	return out.Response, nil
}

// isHome reports whether the car is located at home. On missing location
// data the last known answer is used: by default the car is considered not
// home to prevent operating a charger miles away.
func (c *TeslaCharger) isHome() bool {
	status, err := c.status()
	if err != nil || (status.Latitude == 0 && status.Longitude == 0) {
		return c.wasHome
	}
	c.wasHome = distanceFeet(c.home[0], c.home[1],
		status.Latitude, status.Longitude) < c.homeThresholdFeet
	return c.wasHome
}

func (c *TeslaCharger) command(name string, body any) error {
	err := c.call(http.MethodPost, "/vehicles/"+c.vin+"/command/"+name, body, nil)
	c.cache.Flush()
	return err
}

func (c *TeslaCharger) Start() error {
	return c.command("charge_start", nil)
}

func (c *TeslaCharger) Stop() error {
	return c.command("charge_stop", nil)
}

func (c *TeslaCharger) IsCharging() (bool, error) {
	status, err := c.status()
	if err != nil {
		return false, err
	}
	return c.isHome() && status.ChargingState == "Charging", nil
}

func (c *TeslaCharger) IsPluggedIn() (bool, error) {
	status, err := c.status()
	if err != nil {
		return false, err
	}
	switch status.ChargingState {
	case "NoPower", "Charging", "Complete", "Stopped":
		return c.isHome(), nil
	}
	return false, nil
}

func (c *TeslaCharger) CanCharge() (bool, error) {
	status, err := c.status()
	if err != nil {
		return false, err
	}
	return c.isHome() && status.ChargingState != "Complete" &&
		status.BatteryLevel < status.ChargeLimitSoC, nil
}

func (c *TeslaCharger) MinChargingCurrent() int { return 2 }

func (c *TeslaCharger) MaxChargingCurrent() (int, error) {
	status, err := c.status()
	if err != nil {
		return 0, err
	}
	return status.ChargeCurrentRequestMax, nil
}

func (c *TeslaCharger) ChargingCurrent() (int, error) {
	status, err := c.status()
	if err != nil {
		return 0, err
	}
	return status.ChargeAmps, nil
}

func (c *TeslaCharger) SetChargingCurrent(amps int) error {
	if current, err := c.ChargingCurrent(); err == nil && current == amps {
		return nil
	}
	if err := c.command("set_charging_amps", map[string]int{"charging_amps": amps}); err != nil {
		return err
	}
	// The API only honors requests below 5 A when asked twice.
	if amps < 5 {
		return c.command("set_charging_amps", map[string]int{"charging_amps": amps})
	}
	return nil
}

func (c *TeslaCharger) StateOfCharge() (float64, error) {
	status, err := c.status()
	if err != nil {
		return 0, err
	}
	return status.BatteryLevel, nil
}

func (c *TeslaCharger) MaxStateOfCharge() float64 {
	status, err := c.status()
	if err != nil {
		return 100
	}
	return status.ChargeLimitSoC
}
