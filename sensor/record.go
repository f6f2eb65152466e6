package sensor

// Record maps a channel name to a signed power value. The mandatory channel
// is "net" (positive means importing from the grid, negative exporting);
// "solar" conventionally carries the sum of producing channels with negative
// sign. All other keys name a measured load.
type Record map[string]float64

// Net is the mandatory whole-home channel of a power record.
const Net = "net"

// Copy returns an independent copy of the record.
func (r Record) Copy() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Usage sums the values of keys present in the record.
func (r Record) Usage(keys []string) float64 {
	var total float64
	for _, key := range keys {
		if value, ok := r[key]; ok {
			total += value
		}
	}
	return total
}

// Scale identifies the time base of a record.
type Scale int

const (
	// ScaleSecond is an instantaneous reading.
	ScaleSecond Scale = iota
	// ScaleMinute is a one minute average.
	ScaleMinute
	// ScaleDay is a day aggregate, expressed in kWh.
	ScaleDay
)

func (s Scale) String() string {
	switch s {
	case ScaleSecond:
		return "second"
	case ScaleMinute:
		return "minute"
	case ScaleDay:
		return "day"
	default:
		return "unknown"
	}
}
