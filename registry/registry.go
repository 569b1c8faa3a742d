// Package registry tracks every live WebSocket peer, its role and its
// device binding, and provides the broadcast and unicast primitives the
// router and the pairing broadcaster are built on.
package registry

import (
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/fleetmesh/fleetmesh/logging"
	"github.com/fleetmesh/fleetmesh/protocol"
)

// Role tags what kind of peer a connection turned out to be.
type Role int

const (
	RoleUnknown Role = iota
	RoleDevice
	RoleUI
)

// Transport is the write half of a peer connection.  *ws.Conn implements
// it; writes must be safe to call from any goroutine.
type Transport interface {
	WriteMessage(string) error
	Close() error
}

// StatusStore is the slice of the persistent store the registry needs to
// push offline transitions for departing device peers.
type StatusStore interface {
	SetStatus(deviceID, status string, now int64) error
}

type peer struct {
	id        uint64
	role      Role
	deviceID  string
	transport Transport
}

// Registry is the process-wide peer table.  One mutex guards the whole
// structure; every write a holder performs is a bounded, non-blocking
// frame write, so holding the lock across sends is acceptable.
type Registry struct {
	mu     sync.Mutex
	peers  map[uint64]*peer
	nextID uint64

	status   StatusStore
	now      func() time.Time
	errorLog log.Logger
}

// New constructs a Registry.  status may be nil in tests that only
// exercise routing.
func New(status StatusStore, logger log.Logger) *Registry {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Registry{
		peers:    make(map[uint64]*peer),
		status:   status,
		now:      time.Now,
		errorLog: logging.Error(logger),
	}
}

// Add inserts a freshly upgraded connection with role Unknown and returns
// its peer id.  Ids are monotonic for the process lifetime.
func (r *Registry) Add(t Transport) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.peers[id] = &peer{id: id, transport: t}
	return id
}

// Remove deletes a peer.  A bound device peer is pushed offline in the
// store and announced to every UI peer before its slot can be reused.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id uint64) {
	p, ok := r.peers[id]
	if !ok {
		return
	}
	delete(r.peers, id)

	if p.role == RoleDevice && p.deviceID != "" {
		r.markOfflineLocked(p.deviceID)
	}
}

func (r *Registry) markOfflineLocked(deviceID string) {
	if r.status != nil {
		if err := r.status.SetStatus(deviceID, protocol.StatusOffline, r.now().Unix()); err != nil {
			r.errorLog.Log(logging.MessageKey(), "unable to persist offline status",
				"deviceID", deviceID, logging.ErrorKey(), err)
		}
	}

	r.broadcastLocked(protocol.Envelope{
		Type: protocol.TypeDeviceOffline,
		Data: map[string]string{"deviceId": deviceID},
	})
}

// MarkUI transitions a peer to the UI role.
func (r *Registry) MarkUI(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[id]; ok {
		p.role = RoleUI
	}
}

// BindDevice transitions a peer to the Device role bound to deviceID.  At
// most one peer may be bound to a device id: an existing binding loses,
// its transport is closed and its offline transition runs before the new
// binding appears.
func (r *Registry) BindDevice(id uint64, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.peers {
		if p.id != id && p.role == RoleDevice && p.deviceID == deviceID {
			p.transport.Close()
			r.removeLocked(p.id)
			break
		}
	}

	if p, ok := r.peers[id]; ok {
		p.role = RoleDevice
		p.deviceID = deviceID
	}
}

// BoundDeviceID reports the device binding of a peer, if any.
func (r *Registry) BoundDeviceID(id uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok || p.role != RoleDevice || p.deviceID == "" {
		return "", false
	}
	return p.deviceID, true
}

// BroadcastToUIs sends an envelope to every UI peer.  Send failures are
// discarded; the failed peer's next read will notice the dead transport.
func (r *Registry) BroadcastToUIs(e protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(e)
}

func (r *Registry) broadcastLocked(e protocol.Envelope) {
	message, err := e.Encode()
	if err != nil {
		r.errorLog.Log(logging.MessageKey(), "unable to encode broadcast", logging.ErrorKey(), err)
		return
	}

	for _, p := range r.peers {
		if p.role == RoleUI {
			p.transport.WriteMessage(message)
		}
	}
}

// SendToDevice attempts one send to the peer bound to deviceID and
// reports whether the send happened and succeeded.
func (r *Registry) SendToDevice(deviceID string, e protocol.Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	message, err := e.Encode()
	if err != nil {
		return false
	}

	for _, p := range r.peers {
		if p.role == RoleDevice && p.deviceID == deviceID {
			return p.transport.WriteMessage(message) == nil
		}
	}
	return false
}

// Reply sends an envelope to one peer by id.
func (r *Registry) Reply(id uint64, e protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return nil
	}

	message, err := e.Encode()
	if err != nil {
		return err
	}
	return p.transport.WriteMessage(message)
}

// Len reports the number of live peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
