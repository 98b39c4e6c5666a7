package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/fradomos/domos/internal/command"
	"github.com/fradomos/domos/internal/config"
	"github.com/fradomos/domos/internal/devices"
	"github.com/fradomos/domos/internal/events"
	"github.com/fradomos/domos/internal/opstate"
	"github.com/fradomos/domos/internal/sensor"
	"github.com/fradomos/domos/internal/session"
)

// sendTimeout bounds connecting and publishing for a one-shot send.
const sendTimeout = 30 * time.Second

// runWatch connects and prints every reading and state change until
// interrupted. Logs go to stdout at the configured level, so a
// log_level of warn leaves only the readings.
func runWatch(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(stdout)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	feed := bus.Subscribe(64, events.KindReading, events.KindStateChanged, events.KindDecodeFailed)
	defer bus.Unsubscribe(feed)

	sess, err := newSession(clientConfig(cfg, false), bus, logger)
	if err != nil {
		return err
	}
	defer func() {
		disposeCtx, disposeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer disposeCancel()
		_ = sess.Dispose(disposeCtx)
	}()
	if err := sess.Start(ctx); err != nil {
		return err
	}

	p := newPrinter(stdout, outputFmt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-feed:
			if err := p.print(e); err != nil {
				return err
			}
		}
	}
}

// printer renders stream events for the terminal.
type printer struct {
	w    io.Writer
	json bool

	stamp *color.Color
	value *color.Color
	state *color.Color
	warn  *color.Color
}

func newPrinter(w io.Writer, outputFmt string) *printer {
	return &printer{
		w:     w,
		json:  outputFmt == "json",
		stamp: color.New(color.FgGreen),
		value: color.New(color.FgCyan, color.Bold),
		state: color.New(color.FgMagenta),
		warn:  color.New(color.FgYellow),
	}
}

func (p *printer) print(e events.Event) error {
	if p.json {
		switch e.Kind {
		case events.KindReading, events.KindStateChanged, events.KindDecodeFailed:
			return json.NewEncoder(p.w).Encode(e)
		}
		return nil
	}

	ts := p.stamp.Sprint(e.Timestamp.Format("15:04:05"))
	switch e.Kind {
	case events.KindReading:
		r := readingFromData(e.Data)
		_, err := fmt.Fprintf(p.w, "%s %s %s\n", ts, p.value.Sprint(r.Format()), e.Data["topic"])
		return err
	case events.KindStateChanged:
		line := fmt.Sprintf("%v -> %v", e.Data["from"], e.Data["to"])
		if msg, ok := e.Data["error"]; ok {
			line += fmt.Sprintf(" (%v)", msg)
		}
		_, err := fmt.Fprintf(p.w, "%s %s\n", ts, p.state.Sprint(line))
		return err
	case events.KindDecodeFailed:
		_, err := fmt.Fprintf(p.w, "%s %s\n", ts, p.warn.Sprintf("discarded payload on %v: %v", e.Data["topic"], e.Data["error"]))
		return err
	}
	return nil
}

// readingFromData rebuilds a reading from a reading event's fields.
func readingFromData(data map[string]any) sensor.Reading {
	var r sensor.Reading
	if v, ok := data["temperature"].(float64); ok {
		r.Temperature = sensor.Float(v)
	}
	if v, ok := data["humidity"].(float64); ok {
		r.Humidity = sensor.Float(v)
	}
	return r
}

// runSend connects, sends one device command and prints the resulting
// state. Device state is shared with serve through the data directory.
func runSend(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(io.Discard)

	if strings.EqualFold(args[0], "reading") {
		r, err := parseReading(args[1:])
		if err != nil {
			return err
		}
		msg := command.Message{Topic: cfg.MQTT.SensorTopic, Payload: string(sensor.Encode(r))}
		if err := sendOnce(ctx, cfg, logger, func(ctx context.Context, sess *session.Session) error {
			return sess.Publish(ctx, msg)
		}); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: %s\n", msg.Topic, r.Format())
		return nil
	}
	if len(args) < 3 {
		return fmt.Errorf("usage: domos send <room> <device> <action> [value]")
	}

	dir, err := devices.NewDirectory(cfg.Homes)
	if err != nil {
		return err
	}
	room, dev, err := dir.Lookup(args[0], args[1])
	if err != nil {
		return err
	}
	action, err := parseAction(args[2:])
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	store, err := opstate.NewStore(filepath.Join(cfg.DataDir, "domos.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	var st devices.State
	err = sendOnce(ctx, cfg, logger, func(ctx context.Context, sess *session.Session) error {
		ctrl := devices.NewController(dir, sess, store, cfg.MQTT.CommandPrefix, nil, logger)
		var err error
		st, err = action(ctx, ctrl, room.Slug, dev.ID)
		return err
	})
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(map[string]any{
			"room":   room.Slug,
			"device": dev.ID,
			"state":  st,
		})
	}
	fmt.Fprintf(stdout, "%s / %s: %s\n", room.Name, dev.Name, describeState(dev, st))
	return nil
}

// sendOnce connects with a single connect episode, runs fn and tears
// the session down.
func sendOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(context.Context, *session.Session) error) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	bus := events.New()
	states := bus.Subscribe(16, events.KindStateChanged)
	defer bus.Unsubscribe(states)

	sess, err := newSession(clientConfig(cfg, true), bus, logger)
	if err != nil {
		return err
	}
	defer func() {
		disposeCtx, disposeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer disposeCancel()
		_ = sess.Dispose(disposeCtx)
	}()
	if err := sess.Start(ctx); err != nil {
		return err
	}
	if err := awaitConnected(ctx, sess, states); err != nil {
		return err
	}
	return fn(ctx, sess)
}

// parseReading turns "<temperature> [humidity]" into a reading. "-"
// leaves a measurement out.
func parseReading(args []string) (sensor.Reading, error) {
	var r sensor.Reading
	if len(args) == 0 || len(args) > 2 {
		return r, fmt.Errorf("usage: domos send reading <temperature> [humidity]")
	}
	parse := func(s string) (*float64, error) {
		if s == "-" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("reading value %q is not a number", s)
		}
		return &v, nil
	}
	var err error
	if r.Temperature, err = parse(args[0]); err != nil {
		return r, err
	}
	if len(args) == 2 {
		if r.Humidity, err = parse(args[1]); err != nil {
			return r, err
		}
	}
	return r, nil
}

// deviceAction runs one controller operation.
type deviceAction func(ctx context.Context, c *devices.Controller, room, device string) (devices.State, error)

// parseAction turns "<action> [value]" into a controller call.
func parseAction(args []string) (deviceAction, error) {
	name := strings.ToLower(args[0])
	value := ""
	if len(args) > 1 {
		value = args[1]
	}
	needValue := func() error {
		if value == "" {
			return fmt.Errorf("%w: %s needs a value", command.ErrInvalid, name)
		}
		return nil
	}

	switch name {
	case "power", "on", "off":
		if name != "power" {
			value = name
		}
		if err := needValue(); err != nil {
			return nil, err
		}
		on, err := command.ParsePower(value)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, c *devices.Controller, room, device string) (devices.State, error) {
			return c.SetPower(ctx, room, device, on)
		}, nil
	case "toggle":
		return func(ctx context.Context, c *devices.Controller, room, device string) (devices.State, error) {
			return c.Toggle(ctx, room, device)
		}, nil
	case "mode":
		if err := needValue(); err != nil {
			return nil, err
		}
		mode, err := command.ParseMode(value)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, c *devices.Controller, room, device string) (devices.State, error) {
			return c.SetMode(ctx, room, device, mode)
		}, nil
	case "setpoint", "step":
		if err := needValue(); err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s value %q is not an integer", command.ErrInvalid, name, value)
		}
		if name == "step" {
			return func(ctx context.Context, c *devices.Controller, room, device string) (devices.State, error) {
				return c.StepSetpoint(ctx, room, device, n)
			}, nil
		}
		return func(ctx context.Context, c *devices.Controller, room, device string) (devices.State, error) {
			return c.SetSetpoint(ctx, room, device, n)
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q (valid: power, on, off, toggle, mode, setpoint, step)", command.ErrInvalid, args[0])
	}
}

// describeState renders a device state for the terminal.
func describeState(dev devices.Device, st devices.State) string {
	power := command.Off
	if st.On {
		power = command.On
	}
	if dev.Kind != devices.KindAC {
		return power
	}
	return fmt.Sprintf("%s, %s, %d°C", power, st.Mode, st.Setpoint)
}
