// Package oracle provides the read-only clients to the production
// simulator, the weather service and the tariff provider. All three are
// external collaborators reached through the name registry; their internal
// math is a black box.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go"

	"github.com/kmoreau/homeflux/registry"
)

type client struct {
	name string
	reg  *registry.Client
	http *http.Client
}

func (c *client) get(ctx context.Context, path string, query url.Values, out any) error {
	return retry.Do(
		func() error {
			base, err := c.reg.LocateService(ctx, c.name)
			if err != nil {
				return err
			}
			target := base + path
			if len(query) > 0 {
				target += "?" + query.Encode()
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return err
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(out)
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func newClient(reg *registry.Client, name string, timeout time.Duration) *client {
	return &client{
		name: name,
		reg:  reg,
		http: &http.Client{Timeout: timeout},
	}
}

func dateQuery(date time.Time) url.Values {
	query := url.Values{}
	if !date.IsZero() {
		query.Set("date", date.Format(time.RFC3339))
	}
	return query
}

// Production is the PV production simulator client: clear sky,
// location parameterized, a pure function from time to expected power.
type Production struct {
	c *client
}

// NewProduction returns a production oracle client.
func NewProduction(reg *registry.Client) *Production {
	return &Production{c: newClient(reg, "power_simulator", 10*time.Second)}
}

// PowerAt returns the expected production power at date, in kW.
func (p *Production) PowerAt(ctx context.Context, date time.Time) (float64, error) {
	var out struct {
		Power float64 `json:"power"`
	}
	if err := p.c.get(ctx, "/power_at", dateQuery(date), &out); err != nil {
		return 0, fmt.Errorf("production oracle: power_at: %w", err)
	}
	return out.Power, nil
}

// MaxAvailablePowerAt returns the peak production power expected on the day
// of date, in kW.
func (p *Production) MaxAvailablePowerAt(ctx context.Context, date time.Time) (float64, error) {
	var out struct {
		Power float64 `json:"power"`
	}
	if err := p.c.get(ctx, "/max_available_power_at", dateQuery(date), &out); err != nil {
		return 0, fmt.Errorf("production oracle: max_available_power_at: %w", err)
	}
	return out.Power, nil
}

// NextPowerWindow returns the next window during which the production is
// expected to deliver at least minPower.
func (p *Production) NextPowerWindow(ctx context.Context, minPower float64) (start, end time.Time, err error) {
	query := url.Values{}
	query.Set("min_power", fmt.Sprintf("%g", minPower))
	var out struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	if err := p.c.get(ctx, "/next_power_window", query, &out); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("production oracle: next_power_window: %w", err)
	}
	return out.Start, out.End, nil
}

// DaytimeAt returns the sunrise and sunset bounding the day of date.
func (p *Production) DaytimeAt(ctx context.Context, date time.Time) (sunrise, sunset time.Time, err error) {
	var out struct {
		Sunrise time.Time `json:"sunrise"`
		Sunset  time.Time `json:"sunset"`
	}
	if err := p.c.get(ctx, "/daytime_at", dateQuery(date), &out); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("production oracle: daytime_at: %w", err)
	}
	return out.Sunrise, out.Sunset, nil
}

// Weather is the weather service client.
type Weather struct {
	c *client
}

// NewWeather returns a weather oracle client.
func NewWeather(reg *registry.Client) *Weather {
	return &Weather{c: newClient(reg, "weather", 5*time.Second)}
}

// TemperatureAt returns the outdoor temperature forecast at date, in °F.
func (w *Weather) TemperatureAt(ctx context.Context, date time.Time) (float64, error) {
	var out struct {
		Temperature float64 `json:"temperature"`
	}
	if err := w.c.get(ctx, "/temperature_at", dateQuery(date), &out); err != nil {
		return 0, fmt.Errorf("weather oracle: temperature_at: %w", err)
	}
	return out.Temperature, nil
}

// MinimumTemperature returns the lowest temperature expected over the next
// hours.
func (w *Weather) MinimumTemperature(ctx context.Context, hours int) (float64, error) {
	query := url.Values{}
	query.Set("hours", fmt.Sprintf("%d", hours))
	var out struct {
		Temperature float64 `json:"temperature"`
	}
	if err := w.c.get(ctx, "/minimum_temperature", query, &out); err != nil {
		return 0, fmt.Errorf("weather oracle: minimum_temperature: %w", err)
	}
	return out.Temperature, nil
}

// Read returns the instantaneous weather conditions.
func (w *Weather) Read(ctx context.Context) (map[string]float64, error) {
	var out map[string]float64
	if err := w.c.get(ctx, "/read", nil, &out); err != nil {
		return nil, fmt.Errorf("weather oracle: read: %w", err)
	}
	return out, nil
}

// Rates carries the utility rates in effect at a point in time.
type Rates struct {
	FromGrid float64 `json:"from_grid"`
	ToGrid   float64 `json:"to_grid"`
	OnPeak   bool    `json:"on_peak"`
}

// Tariff is the utility tariff provider client.
type Tariff struct {
	c *client
}

// NewTariff returns a tariff oracle client.
func NewTariff(reg *registry.Client) *Tariff {
	return &Tariff{c: newClient(reg, "utility_rate", 5*time.Second)}
}

// Read returns the rates in effect at date, or now when date is zero.
func (t *Tariff) Read(ctx context.Context, date time.Time) (Rates, error) {
	var out Rates
	if err := t.c.get(ctx, "/read", dateQuery(date), &out); err != nil {
		return Rates{}, fmt.Errorf("tariff oracle: read: %w", err)
	}
	return out, nil
}
