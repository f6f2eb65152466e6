// Package sensor defines the power record type and the uniform sensor
// facade the scheduler and tasks read measurements through.
package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/kmoreau/homeflux/observability"
	"github.com/kmoreau/homeflux/registry"
)

// Sensor is the interface a sensor implements.
type Sensor interface {
	Read(ctx context.Context, scale Scale) (Record, error)
	Units(ctx context.Context) (map[string]string, error)
}

// Reader is a remote sensor proxy with error wrapping.
//
// It locates the sensor through the name registry on every attempt so that a
// restarted sensor service is picked up transparently, and it keeps track of
// when the last good record was obtained.
type Reader struct {
	name string
	reg  *registry.Client
	http *http.Client

	mu         sync.Mutex
	lastRecord time.Time
}

// NewReader returns a Reader for the sensor registered under name.
func NewReader(reg *registry.Client, name string) *Reader {
	return &Reader{
		name: name,
		reg:  reg,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *Reader) get(ctx context.Context, path string, out any) error {
	return retry.Do(
		func() error {
			url, err := r.reg.LocateSensor(ctx, r.name)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+path, nil)
			if err != nil {
				return err
			}
			resp, err := r.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(out)
		},
		retry.Attempts(2),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

// Read fetches a record at the given scale. A nil record with a nil error
// means the sensor has no new data for that scale.
func (r *Reader) Read(ctx context.Context, scale Scale) (Record, error) {
	var record Record
	err := r.get(ctx, "/read?scale="+scale.String(), &record)
	if err != nil {
		observability.SensorReadFailures.WithLabelValues(r.name).Inc()
		return nil, fmt.Errorf("sensor %s: read: %w", r.name, err)
	}
	if len(record) > 0 {
		r.mu.Lock()
		r.lastRecord = time.Now()
		r.mu.Unlock()
	}
	return record, nil
}

// Units fetches the unit map of the sensor channels.
func (r *Reader) Units(ctx context.Context) (map[string]string, error) {
	var units map[string]string
	if err := r.get(ctx, "/units", &units); err != nil {
		return nil, fmt.Errorf("sensor %s: units: %w", r.name, err)
	}
	return units, nil
}

// TimeSinceLatestRecord returns the time elapsed since the last non empty
// record was read. It returns a very large duration when no record was ever
// obtained.
func (r *Reader) TimeSinceLatestRecord() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastRecord.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(r.lastRecord)
}

// Mount exposes a local Sensor on the mux under /read and /units so that
// tasks doubling as sensors can serve remote reads.
func Mount(mux *http.ServeMux, s Sensor) {
	mux.HandleFunc("/read", func(w http.ResponseWriter, req *http.Request) {
		scale := ScaleSecond
		switch req.URL.Query().Get("scale") {
		case "minute":
			scale = ScaleMinute
		case "day":
			scale = ScaleDay
		}
		record, err := s.Read(req.Context(), scale)
		if err != nil {
			log.Printf("sensor read failed: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(record)
	})
	mux.HandleFunc("/units", func(w http.ResponseWriter, req *http.Request) {
		units, err := s.Units(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(units)
	})
}
