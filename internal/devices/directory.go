// Package devices models the homes, rooms and devices a client can
// control, and turns room-screen actions (toggle a switch, change the
// air conditioner's mode or setpoint) into outbound commands.
package devices

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fradomos/domos/internal/command"
	"github.com/fradomos/domos/internal/config"
)

// ErrNotFound is returned when a room or device reference does not
// match the directory.
var ErrNotFound = errors.New("not found")

// Kind is the device category.
type Kind string

const (
	KindSwitch Kind = config.KindSwitch
	KindAC     Kind = config.KindAC
)

// Device is one controllable appliance.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Room groups devices. Slug is the room's topic level.
type Room struct {
	Name    string   `json:"name"`
	Slug    string   `json:"slug"`
	Home    string   `json:"home"`
	Devices []Device `json:"devices"`
}

// Device looks up a device by id or case-insensitive name.
func (r Room) Device(ref string) (Device, bool) {
	for _, d := range r.Devices {
		if d.ID == ref {
			return d, true
		}
	}
	for _, d := range r.Devices {
		if strings.EqualFold(d.Name, ref) {
			return d, true
		}
	}
	return Device{}, false
}

// Home is a named set of rooms.
type Home struct {
	Name  string `json:"name"`
	Rooms []Room `json:"rooms"`
}

// Directory is the read-only device tree loaded from configuration.
type Directory struct {
	homes []Home
	rooms map[string]Room // by slug
	order []string
}

// NewDirectory builds a directory from configured homes. Room slugs
// must be unique across homes since command topics have no home level.
func NewDirectory(homes []config.HomeConfig) (*Directory, error) {
	d := &Directory{rooms: make(map[string]Room)}

	for _, hc := range homes {
		home := Home{Name: hc.Name}
		for _, rc := range hc.Rooms {
			slug := command.Slug(rc.Name)
			if slug == "" {
				return nil, fmt.Errorf("room %q: name has no usable characters", rc.Name)
			}
			if prev, ok := d.rooms[slug]; ok {
				return nil, fmt.Errorf("room %q collides with %q in home %q", rc.Name, prev.Name, prev.Home)
			}

			room := Room{Name: rc.Name, Slug: slug, Home: hc.Name}
			for _, dc := range rc.Devices {
				room.Devices = append(room.Devices, Device{ID: dc.ID, Name: dc.Name, Kind: Kind(dc.Kind)})
			}
			d.rooms[slug] = room
			d.order = append(d.order, slug)
			home.Rooms = append(home.Rooms, room)
		}
		d.homes = append(d.homes, home)
	}
	return d, nil
}

// Homes returns all homes in configuration order.
func (d *Directory) Homes() []Home {
	return append([]Home(nil), d.homes...)
}

// Rooms returns all rooms in configuration order.
func (d *Directory) Rooms() []Room {
	rooms := make([]Room, 0, len(d.order))
	for _, slug := range d.order {
		rooms = append(rooms, d.rooms[slug])
	}
	return rooms
}

// Room resolves a room by slug or display name.
func (d *Directory) Room(ref string) (Room, error) {
	if r, ok := d.rooms[command.Slug(ref)]; ok {
		return r, nil
	}
	return Room{}, fmt.Errorf("room %q: %w", ref, ErrNotFound)
}

// Lookup resolves a room and one of its devices.
func (d *Directory) Lookup(room, device string) (Room, Device, error) {
	r, err := d.Room(room)
	if err != nil {
		return Room{}, Device{}, err
	}
	dev, ok := r.Device(device)
	if !ok {
		return Room{}, Device{}, fmt.Errorf("device %q in room %q: %w", device, r.Name, ErrNotFound)
	}
	return r, dev, nil
}
