// Package sensor decodes live temperature/humidity readings published
// on the sensor topic.
//
// A [Reading] is an immutable snapshot. Each decoded payload replaces
// the previous reading wholesale: a payload that carries only humidity
// yields a reading with no temperature, never the temperature of an
// earlier message.
package sensor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is returned by [Decode] for payloads that are not a JSON
// object with numeric (or absent) temperature and humidity fields.
var ErrMalformed = errors.New("malformed sensor payload")

// Reading is one temperature/humidity snapshot. A nil field means the
// payload did not carry that measurement.
type Reading struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
}

// Wire field names. Matching is exact: "Temperature" is an unknown
// field, not the temperature.
const (
	fieldTemperature = "temperature"
	fieldHumidity    = "humidity"
)

// Decode parses a sensor payload. Numbers are taken exactly as
// encoded; extra fields are ignored and missing or null fields are
// left nil. A non-numeric known field fails the decode.
func Decode(payload []byte) (Reading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Reading{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var r Reading
	for name, dst := range map[string]**float64{
		fieldTemperature: &r.Temperature,
		fieldHumidity:    &r.Humidity,
	} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return Reading{}, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
	}
	return r, nil
}

// Encode renders r in the wire format accepted by [Decode].
func Encode(r Reading) []byte {
	data, _ := json.Marshal(r) // two optional float64 fields cannot fail
	return data
}

// New builds a reading from optional values.
func New(temperature, humidity *float64) Reading {
	return Reading{Temperature: copyFloat(temperature), Humidity: copyFloat(humidity)}
}

// Float returns a pointer to v, for building readings in literals.
func Float(v float64) *float64 { return &v }

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IsEmpty reports whether the reading carries no measurement.
func (r Reading) IsEmpty() bool {
	return r.Temperature == nil && r.Humidity == nil
}

// Equal reports whether r and o carry the same measurements.
func (r Reading) Equal(o Reading) bool {
	return floatEqual(r.Temperature, o.Temperature) && floatEqual(r.Humidity, o.Humidity)
}

func floatEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Format renders the reading for display with one decimal place,
// using "--" for a missing measurement: "21.5°C 48.2%".
func (r Reading) Format() string {
	return FormatTemperature(r.Temperature) + " " + FormatHumidity(r.Humidity)
}

// FormatTemperature renders a temperature as "21.5°C" or "--°C".
func FormatTemperature(v *float64) string {
	return formatOne(v) + "°C"
}

// FormatHumidity renders a relative humidity as "48.2%" or "--%".
func FormatHumidity(v *float64) string {
	return formatOne(v) + "%"
}

func formatOne(v *float64) string {
	if v == nil {
		return "--"
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}

// Fields returns the present measurements as log/event attributes.
func (r Reading) Fields() map[string]any {
	m := make(map[string]any, 2)
	if r.Temperature != nil {
		m["temperature"] = *r.Temperature
	}
	if r.Humidity != nil {
		m["humidity"] = *r.Humidity
	}
	return m
}
