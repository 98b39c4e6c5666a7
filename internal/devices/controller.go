package devices

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/fradomos/domos/internal/command"
	"github.com/fradomos/domos/internal/events"
	"github.com/fradomos/domos/internal/opstate"
)

// Publisher sends one command. *session.Session satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg command.Message) error
}

// State is the last commanded state of a device. Mode and Setpoint
// apply to air conditioners only.
type State struct {
	On       bool         `json:"on"`
	Mode     command.Mode `json:"mode,omitempty"`
	Setpoint int          `json:"setpoint,omitempty"`
}

// defaultState is what a device is assumed to be before any command.
func defaultState(kind Kind) State {
	if kind == KindAC {
		return State{Mode: command.ModeCool, Setpoint: command.DefaultSetpoint}
	}
	return State{}
}

const namespacePrefix = "device/"

const (
	keyPower    = "power"
	keyMode     = "mode"
	keySetpoint = "setpoint"
)

// Controller turns device actions into commands and remembers what
// was last sent. State only changes after a successful publish.
type Controller struct {
	dir    *Directory
	pub    Publisher
	store  *opstate.Store
	prefix string
	bus    *events.Bus
	logger *slog.Logger

	// mu serializes read-modify-write actions such as Toggle.
	mu     sync.Mutex
	states map[string]State
}

// NewController creates a controller. store and bus may be nil; without
// a store, state lives for the process lifetime only.
func NewController(dir *Directory, pub Publisher, store *opstate.Store, prefix string, bus *events.Bus, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		dir:    dir,
		pub:    pub,
		store:  store,
		prefix: prefix,
		bus:    bus,
		logger: logger,
		states: make(map[string]State),
	}
}

// Namespace is the opstate namespace holding a device's state.
func Namespace(room Room, dev Device) string {
	return namespacePrefix + room.Slug + "/" + dev.ID
}

// State returns the last commanded state of a device, or its defaults.
func (c *Controller) State(room, device string) (State, error) {
	r, dev, err := c.dir.Lookup(room, device)
	if err != nil {
		return State{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(r, dev), nil
}

// SetPower switches a device on or off.
func (c *Controller) SetPower(ctx context.Context, room, device string, on bool) (State, error) {
	return c.apply(ctx, room, device, func(r Room, dev Device, st State) (command.Message, State, error) {
		st.On = on
		return command.Power(c.prefix, r.Slug, dev.ID, on), st, nil
	})
}

// Toggle inverts a device's last commanded power state.
func (c *Controller) Toggle(ctx context.Context, room, device string) (State, error) {
	return c.apply(ctx, room, device, func(r Room, dev Device, st State) (command.Message, State, error) {
		st.On = !st.On
		return command.Power(c.prefix, r.Slug, dev.ID, st.On), st, nil
	})
}

// SetMode changes an air conditioner's mode.
func (c *Controller) SetMode(ctx context.Context, room, device string, mode command.Mode) (State, error) {
	return c.apply(ctx, room, device, func(r Room, dev Device, st State) (command.Message, State, error) {
		if err := requireAC(dev); err != nil {
			return command.Message{}, st, err
		}
		msg, err := command.SetMode(c.prefix, r.Slug, dev.ID, mode)
		if err != nil {
			return command.Message{}, st, err
		}
		st.Mode = command.Mode(msg.Payload)
		return msg, st, nil
	})
}

// SetSetpoint sets an air conditioner's target temperature. Values
// outside 16..30 are rejected.
func (c *Controller) SetSetpoint(ctx context.Context, room, device string, celsius int) (State, error) {
	return c.apply(ctx, room, device, func(r Room, dev Device, st State) (command.Message, State, error) {
		if err := requireAC(dev); err != nil {
			return command.Message{}, st, err
		}
		msg, err := command.Setpoint(c.prefix, r.Slug, dev.ID, celsius)
		if err != nil {
			return command.Message{}, st, err
		}
		st.Setpoint = celsius
		return msg, st, nil
	})
}

// StepSetpoint moves an air conditioner's setpoint by delta degrees,
// clamped to 16..30.
func (c *Controller) StepSetpoint(ctx context.Context, room, device string, delta int) (State, error) {
	return c.apply(ctx, room, device, func(r Room, dev Device, st State) (command.Message, State, error) {
		if err := requireAC(dev); err != nil {
			return command.Message{}, st, err
		}
		target := command.ClampSetpoint(st.Setpoint + delta)
		msg, err := command.Setpoint(c.prefix, r.Slug, dev.ID, target)
		if err != nil {
			return command.Message{}, st, err
		}
		st.Setpoint = target
		return msg, st, nil
	})
}

type actionFunc func(r Room, dev Device, current State) (command.Message, State, error)

// apply resolves the device, builds its command from the current
// state, publishes it and records the new state on success.
func (c *Controller) apply(ctx context.Context, room, device string, action actionFunc) (State, error) {
	r, dev, err := c.dir.Lookup(room, device)
	if err != nil {
		return State{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.stateLocked(r, dev)
	msg, next, err := action(r, dev, current)
	if err != nil {
		return current, err
	}

	if err := c.pub.Publish(ctx, msg); err != nil {
		return current, err
	}

	c.states[Namespace(r, dev)] = next
	c.persist(r, dev, next)

	c.bus.Emit(events.SourceCommand, events.KindDeviceState, map[string]any{
		"room":     r.Slug,
		"device":   dev.ID,
		"on":       next.On,
		"mode":     string(next.Mode),
		"setpoint": next.Setpoint,
	})
	return next, nil
}

// stateLocked returns the cached, stored or default state. Caller
// holds c.mu.
func (c *Controller) stateLocked(r Room, dev Device) State {
	ns := Namespace(r, dev)
	if st, ok := c.states[ns]; ok {
		return st
	}

	st := defaultState(dev.Kind)
	if c.store != nil {
		values, err := c.store.List(ns)
		if err != nil {
			c.logger.Warn("device state load failed", "namespace", ns, "error", err)
		} else {
			st = decodeState(st, values)
		}
	}
	c.states[ns] = st
	return st
}

func (c *Controller) persist(r Room, dev Device, st State) {
	if c.store == nil {
		return
	}
	ns := Namespace(r, dev)
	if err := c.store.SetMany(ns, encodeState(dev.Kind, st)); err != nil {
		c.logger.Warn("device state save failed", "namespace", ns, "error", err)
	}
}

// Prune drops stored state for devices that are no longer in the
// directory and returns how many were removed.
func (c *Controller) Prune() (int, error) {
	if c.store == nil {
		return 0, nil
	}
	known := make(map[string]bool)
	for _, r := range c.dir.Rooms() {
		for _, dev := range r.Devices {
			known[Namespace(r, dev)] = true
		}
	}

	stored, err := c.store.Namespaces(namespacePrefix)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, ns := range stored {
		if known[ns] {
			continue
		}
		if err := c.store.DeleteNamespace(ns); err != nil {
			return removed, err
		}
		delete(c.states, ns)
		removed++
	}
	return removed, nil
}

func encodeState(kind Kind, st State) map[string]string {
	power := command.Off
	if st.On {
		power = command.On
	}
	values := map[string]string{keyPower: power}
	if kind == KindAC {
		values[keyMode] = string(st.Mode)
		values[keySetpoint] = strconv.Itoa(st.Setpoint)
	}
	return values
}

// decodeState overlays stored values on st, skipping any that no
// longer parse.
func decodeState(st State, values map[string]string) State {
	if v, ok := values[keyPower]; ok {
		if on, err := command.ParsePower(v); err == nil {
			st.On = on
		}
	}
	if v, ok := values[keyMode]; ok {
		if mode, err := command.ParseMode(v); err == nil {
			st.Mode = mode
		}
	}
	if v, ok := values[keySetpoint]; ok {
		if sp, err := strconv.Atoi(v); err == nil && sp >= command.MinSetpoint && sp <= command.MaxSetpoint {
			st.Setpoint = sp
		}
	}
	return st
}

func requireAC(dev Device) error {
	if dev.Kind != KindAC {
		return fmt.Errorf("%w: device %q is a %s, not an air conditioner", command.ErrInvalid, dev.Name, dev.Kind)
	}
	return nil
}
