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

// Ecobee drives a thermostat through the vendor cloud API. Tokens are
// persisted in the key/value store and refreshed in place when the API
// rejects them.
type Ecobee struct {
	baseURL  string
	deviceID string
	kv       *storage.KV
	http     *http.Client
	cache    *gocache.Cache
	token    string
	refresh  string
}

type ecobeeTokens struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// NewEcobee returns a thermostat driver; it requires previously persisted
// OAuth tokens.
func NewEcobee(baseURL, deviceID string, kv *storage.KV) (*Ecobee, error) {
	e := &Ecobee{
		baseURL:  baseURL,
		deviceID: deviceID,
		kv:       kv,
		http:     &http.Client{Timeout: 10 * time.Second},
		cache:    gocache.New(3*time.Second, time.Minute),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var tokens ecobeeTokens
	if err := kv.Get(ctx, "ecobee_tokens", &tokens); err != nil {
		return nil, fmt.Errorf("ecobee: no persisted tokens: %w", err)
	}
	e.token, e.refresh = tokens.Access, tokens.Refresh
	return e, nil
}

func (e *Ecobee) refreshTokens() error {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": e.refresh,
	})
	resp, err := e.http.Post(e.baseURL+"/token", "application/json",
		bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ecobee: refresh tokens: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ecobee: refresh tokens: unexpected status %d", resp.StatusCode)
	}
	var tokens ecobeeTokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return fmt.Errorf("ecobee: refresh tokens: %w", err)
	}
	e.token, e.refresh = tokens.Access, tokens.Refresh
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.kv.Put(ctx, "ecobee_tokens", tokens); err != nil {
		return fmt.Errorf("ecobee: persist tokens: %w", err)
	}
	return nil
}

func (e *Ecobee) call(method, path string, body, out any) error {
	return retry.Do(
		func() error {
			var buf bytes.Buffer
			if body != nil {
				if err := json.NewEncoder(&buf).Encode(body); err != nil {
					return err
				}
			}
			req, err := http.NewRequest(method, e.baseURL+path, &buf)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+e.token)
			req.Header.Set("Content-Type", "application/json")
			resp, err := e.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				if err := e.refreshTokens(); err != nil {
					return err
				}
				return fmt.Errorf("ecobee: token expired")
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("ecobee: %s: unexpected status %d", path, resp.StatusCode)
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

type thermostatData struct {
	Settings struct {
		HVACMode string `json:"hvacMode"`
	} `json:"settings"`
	EquipmentStatus string `json:"equipmentStatus"`
	Events          []struct {
		Type    string `json:"type"`
		Running bool   `json:"running"`
	} `json:"events"`
	RemoteSensors []struct {
		Name       string `json:"name"`
		Capability []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"capability"`
	} `json:"remoteSensors"`
}

func (e *Ecobee) data() (thermostatData, error) {
	if cached, ok := e.cache.Get("data"); ok {
		return cached.(thermostatData), nil
	}
	var data thermostatData
	err := e.call(http.MethodGet, "/thermostat/"+e.deviceID, nil, &data)
	if err != nil {
		return thermostatData{}, err
	}
	e.cache.Set("data", data, gocache.DefaultExpiration)
	return data, nil
}

// Mode returns the thermostat operating mode: heat, cool, auto or off.
func (e *Ecobee) Mode() (string, error) {
	data, err := e.data()
	if err != nil {
		return "", err
	}
	return data.Settings.HVACMode, nil
}

// SetHold places a temperature hold for the given number of hours.
func (e *Ecobee) SetHold(heatTemp, coolTemp float64, hours int) error {
	err := e.call(http.MethodPost, "/thermostat/"+e.deviceID+"/hold",
		map[string]any{
			"holdType":     "holdHours",
			"holdHours":    hours,
			"heatHoldTemp": heatTemp,
			"coolHoldTemp": coolTemp,
		}, nil)
	e.cache.Flush()
	return err
}

// ResumeProgram cancels the active hold and resumes the program.
func (e *Ecobee) ResumeProgram() error {
	err := e.call(http.MethodPost, "/thermostat/"+e.deviceID+"/resume", nil, nil)
	e.cache.Flush()
	return err
}

// EquipmentStatus returns the equipment currently running, empty when idle.
func (e *Ecobee) EquipmentStatus() (string, error) {
	data, err := e.data()
	if err != nil {
		return "", err
	}
	return data.EquipmentStatus, nil
}

// IsOnHold reports whether a hold event is running.
func (e *Ecobee) IsOnHold() (bool, error) {
	data, err := e.data()
	if err != nil {
		return false, err
	}
	for _, event := range data.Events {
		if event.Type == "hold" && event.Running {
			return true, nil
		}
	}
	return false, nil
}

// Temperatures returns the remote sensor readings in °F, skipping sensors
// reporting non numeric values.
func (e *Ecobee) Temperatures() (map[string]float64, error) {
	data, err := e.data()
	if err != nil {
		return nil, err
	}
	temperatures := make(map[string]float64)
	for _, remote := range data.RemoteSensors {
		for _, capability := range remote.Capability {
			if capability.Type != "temperature" {
				continue
			}
			var tenths float64
			if _, err := fmt.Sscanf(capability.Value, "%f", &tenths); err == nil {
				temperatures[remote.Name] = tenths / 10
			}
		}
	}
	return temperatures, nil
}
