package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/fleetmesh/fleetmesh/protocol"
	"github.com/fleetmesh/fleetmesh/registry"
)

// MockPairingSource is a hand-written mock for the PairingSource interface.
type MockPairingSource struct {
	mock.Mock
}

func (m *MockPairingSource) Pending() ([]protocol.PairingRequest, error) {
	ret := m.Called()
	var requests []protocol.PairingRequest
	if ret.Get(0) != nil {
		requests = ret.Get(0).([]protocol.PairingRequest)
	}
	return requests, ret.Error(1)
}

func (m *MockPairingSource) Sweep() (int64, error) {
	ret := m.Called()
	return ret.Get(0).(int64), ret.Error(1)
}

func TestTickBroadcastsPendingRequestsToUIs(t *testing.T) {
	assert := assert.New(t)

	reg := registry.New(nil, nil)
	ui := new(recordingTransport)
	uiID := reg.Add(ui)
	reg.MarkUI(uiID)

	device := new(recordingTransport)
	reg.Add(device)

	source := new(MockPairingSource)
	source.On("Pending").Return([]protocol.PairingRequest{{DeviceID: "r1", Code: "ABCDEF"}}, nil)
	source.On("Sweep").Return(int64(0), nil)

	b := NewBroadcaster(reg, source, time.Second, nil)
	b.tick()

	assert.Len(ui.messages, 1)
	assert.Empty(device.messages)

	envelope := envelopeOf(t, ui.messages[0])
	assert.Equal(protocol.TypePairingRequests, envelope.Type)

	source.AssertExpectations(t)
}

func TestTickSkipsBroadcastWhenNothingPending(t *testing.T) {
	assert := assert.New(t)

	reg := registry.New(nil, nil)
	ui := new(recordingTransport)
	uiID := reg.Add(ui)
	reg.MarkUI(uiID)

	source := new(MockPairingSource)
	source.On("Pending").Return(nil, nil)
	source.On("Sweep").Return(int64(2), nil)

	b := NewBroadcaster(reg, source, time.Second, nil)
	b.tick()

	assert.Empty(ui.messages)
	source.AssertExpectations(t)
}

func TestRunStopsOnShutdown(t *testing.T) {
	reg := registry.New(nil, nil)

	source := new(MockPairingSource)
	source.On("Pending").Return(nil, nil).Maybe()
	source.On("Sweep").Return(int64(0), nil).Maybe()

	b := NewBroadcaster(reg, source, 10*time.Millisecond, nil)

	shutdown := make(chan struct{})
	done := make(chan struct{})
	go func() {
		b.Run(shutdown)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	close(shutdown)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcaster did not stop")
	}
}
