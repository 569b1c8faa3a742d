// Package pairing implements the device pairing state machine: a device
// asks to join, an operator relays the short-lived code shown in the UI,
// and the device exchanges that code for a long-lived auth token.
//
// States per device id: none → requested → paired → revoked.
package pairing

import (
	"errors"
	"strings"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/fleetmesh/fleetmesh/logging"
	"github.com/fleetmesh/fleetmesh/protocol"
)

// requestTTL is how long a pairing code stays valid.
const requestTTL = 300 * time.Second

// ErrInvalidCode is returned by Confirm when no live request matches.  The
// message is surfaced verbatim to the confirming device.
var ErrInvalidCode = errors.New("Invalid or expired code")

// Store is the persistence the state machine needs.  *store.Store
// implements it.
type Store interface {
	CreatePairingRequest(protocol.PairingRequest) error
	LookupPairingRequest(deviceID, code string, now int64) (protocol.PairingRequest, bool, error)
	PendingPairingRequests(now int64) ([]protocol.PairingRequest, error)
	DeletePairingRequest(deviceID string) error
	SweepExpiredRequests(now int64) (int64, error)
	PairDevice(deviceID, name, deviceType, token string, now int64) error
	ValidateToken(token string) (string, bool, error)
	RevokeDevice(deviceID string) error
}

// Service drives pairing transitions against a Store.
type Service struct {
	store   Store
	now     func() time.Time
	infoLog log.Logger
}

// NewService constructs a Service.  logger may be nil.
func NewService(store Store, logger log.Logger) *Service {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Service{
		store:   store,
		now:     time.Now,
		infoLog: logging.Info(logger),
	}
}

// Request issues a fresh pairing code for the device, replacing any prior
// request.  Missing name and type fall back to placeholders so operators
// still see an entry they can act on.
func (s *Service) Request(deviceID, name, deviceType string) (protocol.PairingRequest, error) {
	if name == "" {
		name = "Unknown Device"
	}
	if deviceType == "" {
		deviceType = "unknown"
	}

	code, err := generateCode()
	if err != nil {
		return protocol.PairingRequest{}, err
	}

	now := s.now().Unix()
	request := protocol.PairingRequest{
		DeviceID:   deviceID,
		Name:       name,
		DeviceType: deviceType,
		Code:       code,
		CreatedAt:  now,
		ExpiresAt:  now + int64(requestTTL/time.Second),
	}

	if err := s.store.CreatePairingRequest(request); err != nil {
		return protocol.PairingRequest{}, err
	}

	s.infoLog.Log(logging.MessageKey(), "pairing requested", "deviceID", deviceID, "name", name)
	return request, nil
}

// Confirm exchanges a live code for a freshly minted token.  Codes compare
// case-insensitively.  A request whose expiry equals the current instant
// has already expired.
func (s *Service) Confirm(deviceID, code string) (string, error) {
	now := s.now().Unix()

	request, ok, err := s.store.LookupPairingRequest(deviceID, strings.ToUpper(code), now)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidCode
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	if err := s.store.PairDevice(deviceID, request.Name, request.DeviceType, token, now); err != nil {
		return "", err
	}
	if err := s.store.DeletePairingRequest(deviceID); err != nil {
		return "", err
	}

	s.infoLog.Log(logging.MessageKey(), "device paired", "deviceID", deviceID)
	return token, nil
}

// Dismiss drops any pending request for the device.
func (s *Service) Dismiss(deviceID string) error {
	return s.store.DeletePairingRequest(deviceID)
}

// Pending lists the live requests for broadcast and API listing.
func (s *Service) Pending() ([]protocol.PairingRequest, error) {
	return s.store.PendingPairingRequests(s.now().Unix())
}

// Sweep deletes expired requests and reports how many went away.
func (s *Service) Sweep() (int64, error) {
	return s.store.SweepExpiredRequests(s.now().Unix())
}

// Revoke clears the device token.  The device drops out of the paired list
// until it pairs again.
func (s *Service) Revoke(deviceID string) error {
	if err := s.store.RevokeDevice(deviceID); err != nil {
		return err
	}
	s.infoLog.Log(logging.MessageKey(), "device revoked", "deviceID", deviceID)
	return nil
}

// Validate resolves a presented token to its device id.
func (s *Service) Validate(token string) (string, bool, error) {
	return s.store.ValidateToken(token)
}
