package pairing

import (
	"github.com/stretchr/testify/mock"

	"github.com/fleetmesh/fleetmesh/protocol"
)

// MockStore is a hand-written mock for the Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreatePairingRequest(r protocol.PairingRequest) error {
	return m.Called(r).Error(0)
}

func (m *MockStore) LookupPairingRequest(deviceID, code string, now int64) (protocol.PairingRequest, bool, error) {
	ret := m.Called(deviceID, code, now)
	return ret.Get(0).(protocol.PairingRequest), ret.Bool(1), ret.Error(2)
}

func (m *MockStore) PendingPairingRequests(now int64) ([]protocol.PairingRequest, error) {
	ret := m.Called(now)
	var requests []protocol.PairingRequest
	if ret.Get(0) != nil {
		requests = ret.Get(0).([]protocol.PairingRequest)
	}
	return requests, ret.Error(1)
}

func (m *MockStore) DeletePairingRequest(deviceID string) error {
	return m.Called(deviceID).Error(0)
}

func (m *MockStore) SweepExpiredRequests(now int64) (int64, error) {
	ret := m.Called(now)
	return ret.Get(0).(int64), ret.Error(1)
}

func (m *MockStore) PairDevice(deviceID, name, deviceType, token string, now int64) error {
	return m.Called(deviceID, name, deviceType, token, now).Error(0)
}

func (m *MockStore) ValidateToken(token string) (string, bool, error) {
	ret := m.Called(token)
	return ret.String(0), ret.Bool(1), ret.Error(2)
}

func (m *MockStore) RevokeDevice(deviceID string) error {
	return m.Called(deviceID).Error(0)
}
