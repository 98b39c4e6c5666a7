package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fradomos/domos/internal/command"
	"github.com/fradomos/domos/internal/devices"
	"github.com/fradomos/domos/internal/session"
)

// deviceView is a device with its last commanded state.
type deviceView struct {
	devices.Device
	State devices.State `json:"state"`
}

// roomView is a room with its devices' states.
type roomView struct {
	Name    string       `json:"name"`
	Slug    string       `json:"slug"`
	Home    string       `json:"home"`
	Devices []deviceView `json:"devices"`
}

func (s *Server) roomView(room devices.Room) roomView {
	v := roomView{Name: room.Name, Slug: room.Slug, Home: room.Home, Devices: []deviceView{}}
	for _, dev := range room.Devices {
		st, err := s.ctrl.State(room.Slug, dev.ID)
		if err != nil {
			s.logger.Debug("device state unavailable", "room", room.Slug, "device", dev.ID, "error", err)
		}
		v.Devices = append(v.Devices, deviceView{Device: dev, State: st})
	}
	return v
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms := []roomView{}
	for _, room := range s.dir.Rooms() {
		rooms = append(rooms, s.roomView(room))
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"rooms": rooms}, s.logger)
}

func (s *Server) handleRoomDevices(w http.ResponseWriter, r *http.Request) {
	room, err := s.dir.Room(r.PathValue("room"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.roomView(room), s.logger)
}

// commandRequest is the body of a device command.
type commandRequest struct {
	// Action is one of power, toggle, mode, setpoint or step.
	Action string          `json:"action"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// commandResponse acknowledges a command handed to the broker.
type commandResponse struct {
	Room   string        `json:"room"`
	Device string        `json:"device"`
	Action string        `json:"action"`
	State  devices.State `json:"state"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	roomRef, deviceRef := r.PathValue("room"), r.PathValue("device")

	room, dev, err := s.dir.Lookup(roomRef, deviceRef)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	st, err := s.runCommand(r, room, dev, req)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrNotSent):
			s.errorResponse(w, http.StatusServiceUnavailable, "command not sent: "+err.Error())
		case errors.Is(err, command.ErrInvalid):
			s.errorResponse(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, devices.ErrNotFound):
			s.errorResponse(w, http.StatusNotFound, err.Error())
		default:
			s.logger.Error("device command failed", "room", room.Slug, "device", dev.ID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, commandResponse{Room: room.Slug, Device: dev.ID, Action: req.Action, State: st}, s.logger)
}

// runCommand dispatches one action to the controller.
func (s *Server) runCommand(r *http.Request, room devices.Room, dev devices.Device, req commandRequest) (devices.State, error) {
	ctx := r.Context()
	switch strings.ToLower(req.Action) {
	case "power":
		on, err := parsePowerValue(req.Value)
		if err != nil {
			return devices.State{}, err
		}
		return s.ctrl.SetPower(ctx, room.Slug, dev.ID, on)
	case "toggle":
		return s.ctrl.Toggle(ctx, room.Slug, dev.ID)
	case "mode":
		var v string
		if err := json.Unmarshal(req.Value, &v); err != nil {
			return devices.State{}, fmt.Errorf("%w: mode value must be a string", command.ErrInvalid)
		}
		mode, err := command.ParseMode(v)
		if err != nil {
			return devices.State{}, err
		}
		return s.ctrl.SetMode(ctx, room.Slug, dev.ID, mode)
	case "setpoint", "step":
		var v int
		if err := json.Unmarshal(req.Value, &v); err != nil {
			return devices.State{}, fmt.Errorf("%w: %s value must be an integer", command.ErrInvalid, req.Action)
		}
		if strings.EqualFold(req.Action, "step") {
			return s.ctrl.StepSetpoint(ctx, room.Slug, dev.ID, v)
		}
		return s.ctrl.SetSetpoint(ctx, room.Slug, dev.ID, v)
	default:
		return devices.State{}, fmt.Errorf("%w: unknown action %q (valid: power, toggle, mode, setpoint, step)", command.ErrInvalid, req.Action)
	}
}

// parsePowerValue accepts true/false or "on"/"off".
func parsePowerValue(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, fmt.Errorf("%w: power value must be true, false, \"on\" or \"off\"", command.ErrInvalid)
	}
	return command.ParsePower(s)
}
