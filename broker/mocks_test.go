package broker

import (
	"github.com/stretchr/testify/mock"

	"github.com/fleetmesh/fleetmesh/protocol"
	"github.com/fleetmesh/fleetmesh/telemetry"
)

// MockPairer is a hand-written mock for the Pairer interface.
type MockPairer struct {
	mock.Mock
}

func (m *MockPairer) Validate(token string) (string, bool, error) {
	ret := m.Called(token)
	return ret.String(0), ret.Bool(1), ret.Error(2)
}

func (m *MockPairer) Pending() ([]protocol.PairingRequest, error) {
	ret := m.Called()
	var requests []protocol.PairingRequest
	if ret.Get(0) != nil {
		requests = ret.Get(0).([]protocol.PairingRequest)
	}
	return requests, ret.Error(1)
}

func (m *MockPairer) Dismiss(deviceID string) error {
	return m.Called(deviceID).Error(0)
}

func (m *MockPairer) Revoke(deviceID string) error {
	return m.Called(deviceID).Error(0)
}

// MockDeviceStore is a hand-written mock for the DeviceStore interface.
type MockDeviceStore struct {
	mock.Mock
}

func (m *MockDeviceStore) UpsertDevice(d protocol.Device) error {
	return m.Called(d).Error(0)
}

func (m *MockDeviceStore) GetDevice(deviceID string) (protocol.Device, bool, error) {
	ret := m.Called(deviceID)
	return ret.Get(0).(protocol.Device), ret.Bool(1), ret.Error(2)
}

func (m *MockDeviceStore) PairedDevices() ([]protocol.Device, error) {
	ret := m.Called()
	var devices []protocol.Device
	if ret.Get(0) != nil {
		devices = ret.Get(0).([]protocol.Device)
	}
	return devices, ret.Error(1)
}

func (m *MockDeviceStore) UpdateTelemetry(deviceID string, lat, lon, alt, heading, speed, battery float64, now int64) error {
	return m.Called(deviceID, lat, lon, alt, heading, speed, battery, now).Error(0)
}

func (m *MockDeviceStore) SaveCommand(c protocol.Command) error {
	return m.Called(c).Error(0)
}

func (m *MockDeviceStore) UpdateCommandStatus(id, status string) error {
	return m.Called(id, status).Error(0)
}

// MockSink is a hand-written mock for the TelemetrySink interface.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Write(r telemetry.Record) error {
	return m.Called(r).Error(0)
}
