package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/fleetmesh/fleetmesh/pairing"
	"github.com/fleetmesh/fleetmesh/protocol"
)

// MockPairingService is a hand-written mock for the PairingService interface.
type MockPairingService struct {
	mock.Mock
}

func (m *MockPairingService) Request(deviceID, name, deviceType string) (protocol.PairingRequest, error) {
	ret := m.Called(deviceID, name, deviceType)
	return ret.Get(0).(protocol.PairingRequest), ret.Error(1)
}

func (m *MockPairingService) Confirm(deviceID, code string) (string, error) {
	ret := m.Called(deviceID, code)
	return ret.String(0), ret.Error(1)
}

func (m *MockPairingService) Pending() ([]protocol.PairingRequest, error) {
	ret := m.Called()
	var requests []protocol.PairingRequest
	if ret.Get(0) != nil {
		requests = ret.Get(0).([]protocol.PairingRequest)
	}
	return requests, ret.Error(1)
}

func (m *MockPairingService) Dismiss(deviceID string) error {
	return m.Called(deviceID).Error(0)
}

// MockDeviceStore is a hand-written mock for the DeviceStore interface.
type MockDeviceStore struct {
	mock.Mock
}

func (m *MockDeviceStore) PairedDevices() ([]protocol.Device, error) {
	ret := m.Called()
	var devices []protocol.Device
	if ret.Get(0) != nil {
		devices = ret.Get(0).([]protocol.Device)
	}
	return devices, ret.Error(1)
}

func (m *MockDeviceStore) GetDevice(deviceID string) (protocol.Device, bool, error) {
	ret := m.Called(deviceID)
	return ret.Get(0).(protocol.Device), ret.Bool(1), ret.Error(2)
}

func (m *MockDeviceStore) DeleteDevice(deviceID string) error {
	return m.Called(deviceID).Error(0)
}

type apiFixture struct {
	pairing *MockPairingService
	store   *MockDeviceStore
	router  *mux.Router
}

func newAPIFixture() *apiFixture {
	f := &apiFixture{
		pairing: new(MockPairingService),
		store:   new(MockDeviceStore),
		router:  mux.NewRouter(),
	}
	ConfigHandler(&Options{R: f.router, Pairing: f.pairing, Store: f.store})
	return f
}

func (f *apiFixture) do(method, target, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, nil)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	assert.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestPreflightCORS(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()

	recorder := f.do(http.MethodOptions, "/api/devices", "")

	assert.Equal(http.StatusNoContent, recorder.Code)
	assert.Equal("*", recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal("GET, POST, DELETE, OPTIONS", recorder.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal("Content-Type", recorder.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal("86400", recorder.Header().Get("Access-Control-Max-Age"))
}

func TestRequestPairing(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()

	issued := protocol.PairingRequest{DeviceID: "r1", Code: "ABCDEF", ExpiresAt: 300}
	f.pairing.On("Request", "r1", "Alpha", "robot").Return(issued, nil)

	recorder := f.do(http.MethodPost, "/api/pair/request",
		`{"device_id":"r1","name":"Alpha","device_type":"robot"}`)

	assert.Equal(http.StatusOK, recorder.Code)
	assert.Equal("*", recorder.Header().Get("Access-Control-Allow-Origin"))

	body := decodeBody(t, recorder)
	assert.Equal("pending", body["status"])
	assert.Equal("r1", body["device_id"])

	// the code must never leak into the HTTP response
	assert.NotContains(recorder.Body.String(), "ABCDEF")

	f.pairing.AssertExpectations(t)
}

func TestRequestPairingRequiresDeviceID(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()

	recorder := f.do(http.MethodPost, "/api/pair/request", `{"name":"Alpha"}`)
	assert.Equal(http.StatusBadRequest, recorder.Code)
	assert.Equal("device_id required", decodeBody(t, recorder)["error"])

	f.pairing.AssertNotCalled(t, "Request", mock.Anything, mock.Anything, mock.Anything)
}

func TestRequestPairingRejectsBadJSON(t *testing.T) {
	f := newAPIFixture()
	recorder := f.do(http.MethodPost, "/api/pair/request", `{oops`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestConfirmPairing(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()

	token := strings.Repeat("ab", 32)
	f.pairing.On("Confirm", "r1", "abcdef").Return(token, nil)

	recorder := f.do(http.MethodPost, "/api/pair/confirm", `{"device_id":"r1","code":"abcdef"}`)

	assert.Equal(http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal("paired", body["status"])
	assert.Equal(token, body["token"])
	assert.Equal("r1", body["device_id"])
}

func TestConfirmPairingInvalidCode(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()

	f.pairing.On("Confirm", "r1", "WRONG2").Return("", pairing.ErrInvalidCode)

	recorder := f.do(http.MethodPost, "/api/pair/confirm", `{"device_id":"r1","code":"WRONG2"}`)

	assert.Equal(http.StatusBadRequest, recorder.Code)
	assert.Equal("Invalid or expired code", decodeBody(t, recorder)["error"])
}

func TestConfirmPairingRequiresFields(t *testing.T) {
	f := newAPIFixture()
	recorder := f.do(http.MethodPost, "/api/pair/confirm", `{"device_id":"r1"}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestListPairingRequests(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()

	f.pairing.On("Pending").Return([]protocol.PairingRequest{
		{DeviceID: "r1", Code: "ABCDEF"},
	}, nil)

	recorder := f.do(http.MethodGet, "/api/pair/requests", "")

	assert.Equal(http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	requests := body["requests"].([]interface{})
	assert.Len(requests, 1)
}

func TestListPairingRequestsEmptyIsArray(t *testing.T) {
	f := newAPIFixture()
	f.pairing.On("Pending").Return(nil, nil)

	recorder := f.do(http.MethodGet, "/api/pair/requests", "")
	assert.JSONEq(t, `{"requests":[]}`, recorder.Body.String())
}

func TestDismissPairing(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()

	f.pairing.On("Dismiss", "r1").Return(nil)

	recorder := f.do(http.MethodDelete, "/api/pair/r1", "")
	assert.Equal(http.StatusOK, recorder.Code)
	assert.Equal("deleted", decodeBody(t, recorder)["status"])
}

func TestListDevices(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()

	f.store.On("PairedDevices").Return([]protocol.Device{{ID: "r1", Status: protocol.StatusOnline}}, nil)

	recorder := f.do(http.MethodGet, "/api/devices", "")
	assert.Equal(http.StatusOK, recorder.Code)

	body := decodeBody(t, recorder)
	devices := body["devices"].([]interface{})
	assert.Len(devices, 1)
}

func TestGetDevice(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()

	f.store.On("GetDevice", "r1").Return(protocol.Device{ID: "r1", Name: "Alpha"}, true, nil)

	recorder := f.do(http.MethodGet, "/api/devices/r1", "")
	assert.Equal(http.StatusOK, recorder.Code)
	assert.Equal("Alpha", decodeBody(t, recorder)["name"])
}

func TestGetDeviceNotFound(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()

	f.store.On("GetDevice", "ghost").Return(protocol.Device{}, false, nil)

	recorder := f.do(http.MethodGet, "/api/devices/ghost", "")
	assert.Equal(http.StatusNotFound, recorder.Code)
	assert.Equal("Device not found", decodeBody(t, recorder)["error"])
}

func TestDeleteDevice(t *testing.T) {
	assert := assert.New(t)
	f := newAPIFixture()

	f.store.On("DeleteDevice", "r1").Return(nil)

	recorder := f.do(http.MethodDelete, "/api/devices/r1", "")
	assert.Equal(http.StatusOK, recorder.Code)
	assert.Equal("deleted", decodeBody(t, recorder)["status"])
}

func TestUnknownAPIPath(t *testing.T) {
	f := newAPIFixture()
	recorder := f.do(http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}
