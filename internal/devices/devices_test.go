package devices

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/fradomos/domos/internal/command"
	"github.com/fradomos/domos/internal/config"
	"github.com/fradomos/domos/internal/events"
	"github.com/fradomos/domos/internal/opstate"
)

// recordingPublisher captures published commands.
type recordingPublisher struct {
	sent []command.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg command.Message) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	dir, err := NewDirectory(config.DefaultHomes())
	if err != nil {
		t.Fatalf("NewDirectory() error = %v", err)
	}
	return dir
}

func testStore(t *testing.T) *opstate.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := opstate.Open(db)
	if err != nil {
		t.Fatalf("opstate.Open() error = %v", err)
	}
	return store
}

func TestNewDirectory_Defaults(t *testing.T) {
	dir := testDirectory(t)

	rooms := dir.Rooms()
	if len(rooms) != 2 {
		t.Fatalf("Rooms() = %d rooms, want 2", len(rooms))
	}
	if rooms[0].Slug != "living-room" || rooms[1].Slug != "kitchen" {
		t.Errorf("slugs = %q, %q", rooms[0].Slug, rooms[1].Slug)
	}
	if rooms[0].Home != "Home" {
		t.Errorf("Home = %q, want Home", rooms[0].Home)
	}
	if len(dir.Homes()) != 1 {
		t.Errorf("Homes() = %d, want 1", len(dir.Homes()))
	}
}

func TestDirectory_Lookup(t *testing.T) {
	dir := testDirectory(t)

	tests := []struct {
		room, device string
		wantID       string
		wantErr      bool
	}{
		{"living-room", "3", "3", false},
		{"Living Room", "Air Conditioner", "3", false},
		{"KITCHEN", "oven", "2", false},
		{"garage", "1", "", true},
		{"kitchen", "99", "", true},
	}
	for _, tt := range tests {
		_, dev, err := dir.Lookup(tt.room, tt.device)
		if tt.wantErr {
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Lookup(%q, %q) error = %v, want ErrNotFound", tt.room, tt.device, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Lookup(%q, %q) error = %v", tt.room, tt.device, err)
			continue
		}
		if dev.ID != tt.wantID {
			t.Errorf("Lookup(%q, %q) id = %q, want %q", tt.room, tt.device, dev.ID, tt.wantID)
		}
	}
}

func TestNewDirectory_SlugCollision(t *testing.T) {
	homes := []config.HomeConfig{
		{Name: "Home", Rooms: []config.RoomConfig{{Name: "Living Room"}}},
		{Name: "Cabin", Rooms: []config.RoomConfig{{Name: "living-room"}}},
	}
	if _, err := NewDirectory(homes); err == nil {
		t.Error("NewDirectory() should reject rooms with the same slug")
	}
}

func TestController_DefaultStates(t *testing.T) {
	c := NewController(testDirectory(t), &recordingPublisher{}, nil, "home", nil, testLogger())

	ac, err := c.State("living-room", "3")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if ac.On || ac.Mode != command.ModeCool || ac.Setpoint != 22 {
		t.Errorf("AC default = %+v, want off/cool/22", ac)
	}

	sw, err := c.State("kitchen", "1")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if sw != (State{}) {
		t.Errorf("switch default = %+v, want zero", sw)
	}
}

func TestController_Toggle(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewController(testDirectory(t), pub, nil, "home", nil, testLogger())
	ctx := context.Background()

	for _, want := range []string{"on", "off", "on"} {
		if _, err := c.Toggle(ctx, "Living Room", "Lights"); err != nil {
			t.Fatalf("Toggle() error = %v", err)
		}
		last := pub.sent[len(pub.sent)-1]
		if last.Topic != "home/living-room/1/power/set" || last.Payload != want {
			t.Errorf("sent %s, want home/living-room/1/power/set %s", last, want)
		}
	}
}

func TestController_FailedPublishKeepsState(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("command not sent")}
	c := NewController(testDirectory(t), pub, nil, "home", nil, testLogger())

	st, err := c.SetPower(context.Background(), "kitchen", "2", true)
	if err == nil {
		t.Fatal("SetPower() should surface the publish error")
	}
	if st.On {
		t.Error("returned state changed despite failed publish")
	}
	if got, _ := c.State("kitchen", "2"); got.On {
		t.Error("recorded state changed despite failed publish")
	}
}

func TestController_ACActions(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewController(testDirectory(t), pub, nil, "home", nil, testLogger())
	ctx := context.Background()

	if _, err := c.SetMode(ctx, "living-room", "3", command.ModeDry); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	st, err := c.StepSetpoint(ctx, "living-room", "3", 1)
	if err != nil {
		t.Fatalf("StepSetpoint() error = %v", err)
	}
	if st.Setpoint != 23 {
		t.Errorf("Setpoint = %d, want 23", st.Setpoint)
	}
	st, err = c.StepSetpoint(ctx, "living-room", "3", 20)
	if err != nil {
		t.Fatalf("StepSetpoint(+20) error = %v", err)
	}
	if st.Setpoint != command.MaxSetpoint {
		t.Errorf("Setpoint = %d, want clamp to %d", st.Setpoint, command.MaxSetpoint)
	}
	if st.Mode != command.ModeDry {
		t.Errorf("Mode = %q, want dry", st.Mode)
	}

	want := []command.Message{
		{Topic: "home/living-room/3/mode/set", Payload: "dry"},
		{Topic: "home/living-room/3/setpoint/set", Payload: "23"},
		{Topic: "home/living-room/3/setpoint/set", Payload: "30"},
	}
	if len(pub.sent) != len(want) {
		t.Fatalf("sent %d commands, want %d", len(pub.sent), len(want))
	}
	for i := range want {
		if pub.sent[i] != want[i] {
			t.Errorf("command %d = %s, want %s", i, pub.sent[i], want[i])
		}
	}
}

func TestController_RejectsInvalid(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewController(testDirectory(t), pub, nil, "home", nil, testLogger())
	ctx := context.Background()

	if _, err := c.SetMode(ctx, "kitchen", "1", command.ModeFan); !errors.Is(err, command.ErrInvalid) {
		t.Errorf("SetMode(switch) error = %v, want ErrInvalid", err)
	}
	if _, err := c.SetSetpoint(ctx, "kitchen", "3", 31); !errors.Is(err, command.ErrInvalid) {
		t.Errorf("SetSetpoint(31) error = %v, want ErrInvalid", err)
	}
	if _, err := c.SetMode(ctx, "kitchen", "3", command.Mode("turbo")); !errors.Is(err, command.ErrInvalid) {
		t.Errorf("SetMode(turbo) error = %v, want ErrInvalid", err)
	}
	if _, err := c.Toggle(ctx, "attic", "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Toggle(unknown room) error = %v, want ErrNotFound", err)
	}
	if len(pub.sent) != 0 {
		t.Errorf("invalid actions published %d commands", len(pub.sent))
	}
}

func TestController_PersistsState(t *testing.T) {
	store := testStore(t)
	dir := testDirectory(t)
	ctx := context.Background()

	first := NewController(dir, &recordingPublisher{}, store, "home", nil, testLogger())
	if _, err := first.SetPower(ctx, "kitchen", "3", true); err != nil {
		t.Fatalf("SetPower() error = %v", err)
	}
	if _, err := first.SetSetpoint(ctx, "kitchen", "3", 18); err != nil {
		t.Fatalf("SetSetpoint() error = %v", err)
	}

	values, err := store.List("device/kitchen/3")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if values["power"] != "on" || values["setpoint"] != "18" || values["mode"] != "cool" {
		t.Errorf("stored values = %v", values)
	}

	second := NewController(dir, &recordingPublisher{}, store, "home", nil, testLogger())
	st, err := second.State("kitchen", "Air Conditioner")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if !st.On || st.Setpoint != 18 || st.Mode != command.ModeCool {
		t.Errorf("reloaded state = %+v, want on/cool/18", st)
	}
}

func TestController_EmitsDeviceState(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	c := NewController(testDirectory(t), &recordingPublisher{}, nil, "home", bus, testLogger())
	if _, err := c.SetPower(context.Background(), "living-room", "2", true); err != nil {
		t.Fatalf("SetPower() error = %v", err)
	}

	select {
	case e := <-ch:
		if e.Source != events.SourceCommand || e.Kind != events.KindDeviceState {
			t.Errorf("event = %s/%s, want command/device_state", e.Source, e.Kind)
		}
		if e.Data["room"] != "living-room" || e.Data["device"] != "2" || e.Data["on"] != true {
			t.Errorf("event data = %v", e.Data)
		}
	default:
		t.Fatal("no event emitted")
	}
}

func TestDecodeState_IgnoresCorruptValues(t *testing.T) {
	base := defaultState(KindAC)
	got := decodeState(base, map[string]string{
		"power":    "maybe",
		"mode":     "turbo",
		"setpoint": "99",
	})
	if got != base {
		t.Errorf("decodeState() = %+v, want defaults %+v", got, base)
	}
}

func TestController_Prune(t *testing.T) {
	store := testStore(t)
	if err := store.SetMany("device/kitchen/3", map[string]string{"power": "on"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetMany("device/garage/9", map[string]string{"power": "on"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Set("api/tokens", "last", "x"); err != nil {
		t.Fatal(err)
	}

	c := NewController(testDirectory(t), &recordingPublisher{}, store, "home", nil, testLogger())
	n, err := c.Prune()
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}

	got, err := store.Namespaces("")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"api/tokens", "device/kitchen/3"}
	if !slices.Equal(got, want) {
		t.Errorf("remaining namespaces = %v, want %v", got, want)
	}
}

func TestController_PruneWithoutStore(t *testing.T) {
	c := NewController(testDirectory(t), &recordingPublisher{}, nil, "home", nil, testLogger())
	if n, err := c.Prune(); n != 0 || err != nil {
		t.Errorf("Prune() = %d, %v", n, err)
	}
}
