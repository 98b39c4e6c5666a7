// Package command builds outbound device actuation messages.
//
// A [Message] is a topic plus a plain-text token payload. Messages are
// fire-and-forget: they are published at most once (QoS 0) and no
// acknowledgement from the device is consumed. A caller that needs
// strict ordering between commands must issue them sequentially.
//
// Topics follow <prefix>/<room-slug>/<device-id>/<property>/set, for
// example home/living-room/3/mode/set with payload "cool".
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrInvalid is returned for commands that cannot be expressed on the
// wire (unknown mode, out-of-range setpoint, wildcard topics).
var ErrInvalid = errors.New("invalid command")

// Properties addressed by command topics.
const (
	PropertyPower    = "power"
	PropertyMode     = "mode"
	PropertySetpoint = "setpoint"
)

// Power tokens.
const (
	On  = "on"
	Off = "off"
)

// Setpoint bounds for air-conditioning units, in whole degrees Celsius.
const (
	MinSetpoint     = 16
	MaxSetpoint     = 30
	DefaultSetpoint = 22
)

// Mode is an air-conditioner operating mode.
type Mode string

// Supported air-conditioner modes.
const (
	ModeCool Mode = "cool"
	ModeHot  Mode = "hot"
	ModeDry  Mode = "dry"
	ModeFan  Mode = "fan"
)

// Modes lists the supported modes in display order.
var Modes = []Mode{ModeCool, ModeHot, ModeDry, ModeFan}

// ParseMode converts a case-insensitive token to a [Mode].
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unknown mode %q (valid: cool, hot, dry, fan)", ErrInvalid, s)
}

// Message is one outbound actuation request.
type Message struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// Validate reports whether m can be published.
func (m Message) Validate() error {
	if m.Topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalid)
	}
	if strings.ContainsAny(m.Topic, "+#") {
		return fmt.Errorf("%w: topic %q contains wildcards", ErrInvalid, m.Topic)
	}
	return nil
}

// String renders the message for logs.
func (m Message) String() string {
	return m.Topic + " <- " + strconv.Quote(m.Payload)
}

// Topic returns the command topic for a device property.
func Topic(prefix, room, device, property string) string {
	parts := []string{strings.Trim(prefix, "/"), Slug(room), Slug(device), property, "set"}
	if parts[0] == "" {
		parts = parts[1:]
	}
	return strings.Join(parts, "/")
}

// Power builds a power on/off command.
func Power(prefix, room, device string, on bool) Message {
	payload := Off
	if on {
		payload = On
	}
	return Message{Topic: Topic(prefix, room, device, PropertyPower), Payload: payload}
}

// SetMode builds an operating mode command.
func SetMode(prefix, room, device string, mode Mode) (Message, error) {
	m, err := ParseMode(string(mode))
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: Topic(prefix, room, device, PropertyMode), Payload: string(m)}, nil
}

// Setpoint builds a target temperature command. Values outside
// [MinSetpoint, MaxSetpoint] are rejected; use [ClampSetpoint] first
// when stepping.
func Setpoint(prefix, room, device string, celsius int) (Message, error) {
	if celsius < MinSetpoint || celsius > MaxSetpoint {
		return Message{}, fmt.Errorf("%w: setpoint %d outside %d..%d", ErrInvalid, celsius, MinSetpoint, MaxSetpoint)
	}
	return Message{Topic: Topic(prefix, room, device, PropertySetpoint), Payload: strconv.Itoa(celsius)}, nil
}

// ClampSetpoint limits celsius to the supported range.
func ClampSetpoint(celsius int) int {
	return max(MinSetpoint, min(MaxSetpoint, celsius))
}

// ParsePower converts "on"/"off" (and common boolean spellings) to a
// bool.
func ParsePower(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case On, "true", "1":
		return true, nil
	case Off, "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: power value %q (valid: on, off)", ErrInvalid, s)
	}
}

// Slug lower-cases s and replaces runs of characters that are not
// letters or digits with a single "-". "Living Room" becomes
// "living-room".
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
