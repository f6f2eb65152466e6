package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"
)

// Ewelink talks to the eWeLink cloud relay driving the pool pump switch.
// Status reads go through the REST API; actions are sent over the websocket
// dispatch endpoint, one short lived connection per action.
type Ewelink struct {
	apiURL   string
	wsURL    string
	login    string
	password string
	http     *http.Client
	dialer   *websocket.Dialer

	mu      sync.Mutex
	token   string
	userAPI string

	devMu      sync.Mutex
	devices    map[string]ewelinkDevice
	devicesAge time.Time
}

type ewelinkDevice struct {
	DeviceID string `json:"deviceid"`
	Online   bool   `json:"online"`
	Params   struct {
		Switch string `json:"switch"`
	} `json:"params"`
}

// NewEwelink returns a driver for the account.
func NewEwelink(apiURL, wsURL, login, password string) *Ewelink {
	return &Ewelink{
		apiURL:   apiURL,
		wsURL:    wsURL,
		login:    login,
		password: password,
		http:     &http.Client{Timeout: 5 * time.Second},
		dialer:   &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		devices:  make(map[string]ewelinkDevice),
	}
}

func (e *Ewelink) authenticate() error {
	body, _ := json.Marshal(map[string]string{
		"email": e.login, "password": e.password,
	})
	resp, err := e.http.Post(e.apiURL+"/user/login", "application/json",
		bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ewelink: login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ewelink: login: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		Token  string `json:"at"`
		APIKey string `json:"user_apikey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("ewelink: login: %w", err)
	}
	e.mu.Lock()
	e.token, e.userAPI = out.Token, out.APIKey
	e.mu.Unlock()
	return nil
}

func (e *Ewelink) refreshDevices() error {
	e.mu.Lock()
	token := e.token
	e.mu.Unlock()
	if token == "" {
		if err := e.authenticate(); err != nil {
			return err
		}
	}
	return retry.Do(
		func() error {
			e.mu.Lock()
			token := e.token
			e.mu.Unlock()
			req, err := http.NewRequest(http.MethodGet, e.apiURL+"/user/device", nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := e.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				if err := e.authenticate(); err != nil {
					return err
				}
				return fmt.Errorf("ewelink: token expired")
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("ewelink: devices: unexpected status %d", resp.StatusCode)
			}
			var out struct {
				Devicelist []ewelinkDevice `json:"devicelist"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			e.devMu.Lock()
			for _, device := range out.Devicelist {
				e.devices[device.DeviceID] = device
			}
			e.devicesAge = time.Now()
			e.devMu.Unlock()
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

// Device returns the cached device state, refreshing the cache when older
// than a few seconds.
func (e *Ewelink) Device(id string) (ewelinkDevice, error) {
	e.devMu.Lock()
	stale := time.Since(e.devicesAge) > 10*time.Second
	e.devMu.Unlock()
	if stale {
		if err := e.refreshDevices(); err != nil {
			return ewelinkDevice{}, err
		}
	}
	e.devMu.Lock()
	defer e.devMu.Unlock()
	device, ok := e.devices[id]
	if !ok {
		return ewelinkDevice{}, fmt.Errorf("ewelink: could not find device %s", id)
	}
	return device, nil
}

// HasDevice verifies the device exists on the account.
func (e *Ewelink) HasDevice(id string) bool {
	if err := e.refreshDevices(); err != nil {
		return false
	}
	e.devMu.Lock()
	defer e.devMu.Unlock()
	_, ok := e.devices[id]
	return ok
}

// SetSwitch drives the device relay through the websocket dispatch
// endpoint.
func (e *Ewelink) SetSwitch(id string, on bool) error {
	e.mu.Lock()
	token, userAPI := e.token, e.userAPI
	e.mu.Unlock()
	if token == "" {
		if err := e.authenticate(); err != nil {
			return err
		}
		e.mu.Lock()
		token, userAPI = e.token, e.userAPI
		e.mu.Unlock()
	}

	conn, _, err := e.dialer.Dial(e.wsURL, nil)
	if err != nil {
		return fmt.Errorf("ewelink: dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	handshake := map[string]any{
		"action": "userOnline",
		"at":     token,
		"apikey": userAPI,
		"ts":     time.Now().Unix(),
	}
	if err := conn.WriteJSON(handshake); err != nil {
		return fmt.Errorf("ewelink: handshake: %w", err)
	}
	var ack struct {
		Error int `json:"error"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("ewelink: handshake: %w", err)
	}
	if ack.Error != 0 {
		return fmt.Errorf("ewelink: handshake rejected (%d)", ack.Error)
	}

	state := "off"
	if on {
		state = "on"
	}
	update := map[string]any{
		"action":   "update",
		"apikey":   userAPI,
		"deviceid": id,
		"params":   map[string]string{"switch": state},
	}
	if err := conn.WriteJSON(update); err != nil {
		return fmt.Errorf("ewelink: update: %w", err)
	}
	var result struct {
		Error int `json:"error"`
	}
	if err := conn.ReadJSON(&result); err != nil {
		return fmt.Errorf("ewelink: update: %w", err)
	}
	if result.Error != 0 {
		return fmt.Errorf("ewelink: update action failed (%d)", result.Error)
	}

	e.devMu.Lock()
	if device, ok := e.devices[id]; ok {
		device.Params.Switch = state
		e.devices[id] = device
	}
	e.devMu.Unlock()
	return nil
}
