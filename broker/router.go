// Package broker dispatches decoded envelopes between peers, the pairing
// state machine, the persistent store and the telemetry writer.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cast"

	"github.com/fleetmesh/fleetmesh/logging"
	"github.com/fleetmesh/fleetmesh/protocol"
	"github.com/fleetmesh/fleetmesh/registry"
	"github.com/fleetmesh/fleetmesh/telemetry"
	"github.com/fleetmesh/fleetmesh/ws"
)

// Conn is the slice of *ws.Conn the router drives.
type Conn interface {
	ReadMessage() (string, error)
	WriteMessage(string) error
	Close() error
}

// Pairer is the slice of *pairing.Service the router needs.
type Pairer interface {
	Validate(token string) (string, bool, error)
	Pending() ([]protocol.PairingRequest, error)
	Dismiss(deviceID string) error
	Revoke(deviceID string) error
}

// DeviceStore is the slice of *store.Store the router needs.
type DeviceStore interface {
	UpsertDevice(protocol.Device) error
	GetDevice(deviceID string) (protocol.Device, bool, error)
	PairedDevices() ([]protocol.Device, error)
	UpdateTelemetry(deviceID string, lat, lon, alt, heading, speed, battery float64, now int64) error
	SaveCommand(protocol.Command) error
	UpdateCommandStatus(id, status string) error
}

// TelemetrySink receives every accepted telemetry sample.  *telemetry.Writer
// implements it.
type TelemetrySink interface {
	Write(telemetry.Record) error
}

// Router owns the per-peer message loop and the dispatch table.
type Router struct {
	registry *registry.Registry
	pairing  Pairer
	store    DeviceStore
	sink     TelemetrySink
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	errorLog log.Logger
	debugLog log.Logger
}

// New constructs a Router.
func New(reg *registry.Registry, pairer Pairer, store DeviceStore, sink TelemetrySink, logger log.Logger) *Router {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Router{
		registry: reg,
		pairing:  pairer,
		store:    store,
		sink:     sink,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		errorLog: logging.Error(logger),
		debugLog: logging.Debug(logger),
	}
}

// HandlePeer runs the read loop for one upgraded connection until the
// transport closes or fails.  It owns registry membership for the peer.
func (rt *Router) HandlePeer(conn Conn) {
	id := rt.registry.Add(conn)
	defer func() {
		rt.registry.Remove(id)
		conn.Close()
	}()

	for {
		message, err := conn.ReadMessage()
		if errors.Is(err, ws.ErrNoMessage) {
			continue
		}
		if err != nil {
			if !errors.Is(err, ws.ErrClosed) {
				rt.debugLog.Log(logging.MessageKey(), "peer read failed", "peer", id, logging.ErrorKey(), err)
			}
			return
		}
		rt.dispatch(id, message)
	}
}

// dispatch decodes one envelope and runs the matching handler.  Malformed
// envelopes and unknown types are dropped.
func (rt *Router) dispatch(peerID uint64, message string) {
	envelope, err := protocol.Decode(message)
	if err != nil {
		return
	}

	data := envelope.DataMap()

	switch envelope.Type {
	case protocol.TypeRegister:
		rt.handleRegister(peerID, data)
	case protocol.TypeTelemetry:
		rt.handleTelemetry(peerID, data)
	case protocol.TypeGetDevices:
		rt.handleGetDevices(peerID)
	case protocol.TypeDismissPairing:
		rt.pairing.Dismiss(cast.ToString(data["device_id"]))
	case protocol.TypeRevokeDevice:
		rt.handleRevokeDevice(data)
	case protocol.TypeSendCommand:
		rt.handleSendCommand(peerID, data)
	case protocol.TypeCommandAck, protocol.TypeCommandComplete:
		rt.handleCommandStatus(envelope, data)
	default:
		// unknown types are ignored
	}
}

func (rt *Router) handleRegister(peerID uint64, data map[string]interface{}) {
	token := cast.ToString(data["token"])
	if token == "" {
		rt.registry.Reply(peerID, protocol.ErrorEnvelope(protocol.ErrCodeNoToken, "Registration requires a token"))
		return
	}

	storedID, ok, err := rt.pairing.Validate(token)
	if err != nil {
		rt.errorLog.Log(logging.MessageKey(), "token validation failed", logging.ErrorKey(), err)
		return
	}
	if !ok {
		rt.registry.Reply(peerID, protocol.ErrorEnvelope(protocol.ErrCodeInvalidToken, "Unknown device token"))
		return
	}

	deviceID := cast.ToString(data["device_id"])
	if deviceID == "" {
		deviceID = storedID
	}

	device := protocol.Device{
		ID:         deviceID,
		Name:       cast.ToString(data["name"]),
		DeviceType: cast.ToString(data["device_type"]),
		Status:     protocol.StatusOnline,
		Latitude:   cast.ToFloat64(data["latitude"]),
		Longitude:  cast.ToFloat64(data["longitude"]),
		Altitude:   cast.ToFloat64(data["altitude"]),
		Heading:    cast.ToFloat64(data["heading"]),
		Speed:      cast.ToFloat64(data["speed"]),
		Battery:    cast.ToFloat64(data["battery"]),
		LastSeen:   rt.now().Unix(),
	}

	// a registration without identity fields keeps what pairing recorded
	if existing, found, _ := rt.store.GetDevice(deviceID); found {
		if device.Name == "" {
			device.Name = existing.Name
		}
		if device.DeviceType == "" {
			device.DeviceType = existing.DeviceType
		}
	}

	if err := rt.store.UpsertDevice(device); err != nil {
		rt.errorLog.Log(logging.MessageKey(), "unable to persist registration",
			"deviceID", deviceID, logging.ErrorKey(), err)
		return
	}

	rt.registry.BindDevice(peerID, deviceID)
	rt.registry.Reply(peerID, protocol.Envelope{Type: protocol.TypeRegistered, Data: device})
	rt.registry.BroadcastToUIs(protocol.Envelope{Type: protocol.TypeDeviceOnline, Data: device})
}

func (rt *Router) handleTelemetry(peerID uint64, data map[string]interface{}) {
	deviceID, bound := rt.registry.BoundDeviceID(peerID)
	if !bound {
		// anonymous telemetry is dropped
		return
	}

	var (
		lat     = cast.ToFloat64(data["latitude"])
		lon     = cast.ToFloat64(data["longitude"])
		alt     = cast.ToFloat64(data["altitude"])
		heading = cast.ToFloat64(data["heading"])
		speed   = cast.ToFloat64(data["speed"])
		battery = cast.ToFloat64(data["battery"])
		now     = rt.now().Unix()
	)

	if err := rt.store.UpdateTelemetry(deviceID, lat, lon, alt, heading, speed, battery, now); err != nil {
		rt.errorLog.Log(logging.MessageKey(), "unable to persist telemetry",
			"deviceID", deviceID, logging.ErrorKey(), err)
	}

	if err := rt.sink.Write(telemetry.Record{
		Timestamp: now,
		DeviceID:  deviceID,
		Latitude:  lat,
		Longitude: lon,
		Altitude:  alt,
		Heading:   heading,
		Speed:     speed,
		Battery:   battery,
		Sensors:   data["sensors"],
	}); err != nil {
		rt.errorLog.Log(logging.MessageKey(), "unable to append telemetry",
			"deviceID", deviceID, logging.ErrorKey(), err)
	}

	if device, found, _ := rt.store.GetDevice(deviceID); found {
		rt.registry.BroadcastToUIs(protocol.Envelope{Type: protocol.TypeDeviceUpdate, Data: device})
	}
}

func (rt *Router) handleGetDevices(peerID uint64) {
	rt.registry.MarkUI(peerID)

	devices, err := rt.store.PairedDevices()
	if err != nil {
		rt.errorLog.Log(logging.MessageKey(), "unable to list devices", logging.ErrorKey(), err)
		devices = nil
	}
	rt.registry.Reply(peerID, protocol.Envelope{
		Type: protocol.TypeDevicesList,
		Data: map[string]interface{}{"devices": deviceSlice(devices)},
	})

	requests, err := rt.pairing.Pending()
	if err != nil {
		rt.errorLog.Log(logging.MessageKey(), "unable to list pairing requests", logging.ErrorKey(), err)
		requests = nil
	}
	rt.registry.Reply(peerID, protocol.Envelope{
		Type: protocol.TypePairingRequests,
		Data: map[string]interface{}{"requests": requestSlice(requests)},
	})
}

func (rt *Router) handleRevokeDevice(data map[string]interface{}) {
	deviceID := cast.ToString(data["device_id"])
	if deviceID == "" {
		return
	}

	if err := rt.pairing.Revoke(deviceID); err != nil {
		rt.errorLog.Log(logging.MessageKey(), "unable to revoke device",
			"deviceID", deviceID, logging.ErrorKey(), err)
		return
	}

	rt.registry.BroadcastToUIs(protocol.Envelope{
		Type: protocol.TypeDeviceRevoked,
		Data: map[string]string{"deviceId": deviceID},
	})
}

func (rt *Router) handleSendCommand(peerID uint64, data map[string]interface{}) {
	deviceID := cast.ToString(data["device_id"])
	if deviceID == "" {
		return
	}

	var (
		commandType = cast.ToString(data["command_type"])
		payload     = encodePayload(data["payload"])
		commandID   = rt.newCommandID()
	)

	command := protocol.Command{
		ID:          commandID,
		DeviceID:    deviceID,
		CommandType: commandType,
		Payload:     payload,
		Status:      protocol.CommandPending,
		CreatedAt:   rt.now().Unix(),
	}
	if err := rt.store.SaveCommand(command); err != nil {
		rt.errorLog.Log(logging.MessageKey(), "unable to persist command",
			"commandID", commandID, logging.ErrorKey(), err)
	}

	delivered := rt.registry.SendToDevice(deviceID, protocol.Envelope{
		Type: "command",
		Data: map[string]interface{}{
			"command_id":   commandID,
			"device_id":    deviceID,
			"command_type": commandType,
			"payload":      data["payload"],
		},
	})

	status := protocol.CommandSent
	if !delivered {
		status = protocol.CommandFailed
	}
	if err := rt.store.UpdateCommandStatus(commandID, status); err != nil {
		rt.errorLog.Log(logging.MessageKey(), "unable to update command status",
			"commandID", commandID, logging.ErrorKey(), err)
	}

	rt.registry.Reply(peerID, protocol.Envelope{
		Type: protocol.TypeCommandSent,
		Data: map[string]string{
			"command_id": commandID,
			"device_id":  deviceID,
			"status":     status,
		},
	})
}

func (rt *Router) handleCommandStatus(envelope protocol.Envelope, data map[string]interface{}) {
	commandID := cast.ToString(data["command_id"])
	if commandID == "" {
		return
	}

	status := cast.ToString(data["status"])
	if status == "" {
		status = protocol.CommandAcknowledged
	}

	if err := rt.store.UpdateCommandStatus(commandID, status); err != nil {
		rt.errorLog.Log(logging.MessageKey(), "unable to update command status",
			"commandID", commandID, logging.ErrorKey(), err)
	}

	rt.registry.BroadcastToUIs(envelope)
}

// newCommandID builds ids of the form hex(unix-seconds)-hex4.  Collisions
// are tolerated; storage keys commands uniquely and the id only lives for
// one outstanding command.
func (rt *Router) newCommandID() string {
	rt.rngMu.Lock()
	entropy := rt.rng.Intn(1 << 16)
	rt.rngMu.Unlock()
	return fmt.Sprintf("%x-%04x", rt.now().Unix(), entropy)
}

func encodePayload(payload interface{}) string {
	if payload == nil {
		return "{}"
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// deviceSlice keeps JSON output as [] rather than null for empty lists.
func deviceSlice(devices []protocol.Device) []protocol.Device {
	if devices == nil {
		return []protocol.Device{}
	}
	return devices
}

func requestSlice(requests []protocol.PairingRequest) []protocol.PairingRequest {
	if requests == nil {
		return []protocol.PairingRequest{}
	}
	return requests
}
