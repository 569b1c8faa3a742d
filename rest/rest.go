// Package rest exposes the pairing and device API under /api and serves
// the operator UI's static files.  Handlers delegate to the pairing state
// machine and the persistent store; they never touch the peer registry.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"

	"github.com/fleetmesh/fleetmesh/logging"
	"github.com/fleetmesh/fleetmesh/pairing"
	"github.com/fleetmesh/fleetmesh/protocol"
)

// PairingService is the slice of *pairing.Service the API needs.
type PairingService interface {
	Request(deviceID, name, deviceType string) (protocol.PairingRequest, error)
	Confirm(deviceID, code string) (string, error)
	Pending() ([]protocol.PairingRequest, error)
	Dismiss(deviceID string) error
}

// DeviceStore is the slice of *store.Store the API needs.
type DeviceStore interface {
	PairedDevices() ([]protocol.Device, error)
	GetDevice(deviceID string) (protocol.Device, bool, error)
	DeleteDevice(deviceID string) error
}

// Options configures the API surface.
type Options struct {
	R       *mux.Router
	Pairing PairingService
	Store   DeviceStore
	Log     log.Logger
}

type apiHandler struct {
	pairing  PairingService
	store    DeviceStore
	errorLog log.Logger
}

// ConfigHandler mounts the API routes on the given router.
func ConfigHandler(o *Options) {
	logger := o.Log
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	h := &apiHandler{
		pairing:  o.Pairing,
		store:    o.Store,
		errorLog: logging.Error(logger),
	}

	chain := alice.New(corsDecorator)

	api := o.R.PathPrefix("/api").Subrouter()
	api.PathPrefix("/").HandlerFunc(preflight).Methods(http.MethodOptions)
	api.Handle("/pair/requests", chain.ThenFunc(h.listPairingRequests)).Methods(http.MethodGet)
	api.Handle("/pair/request", chain.ThenFunc(h.requestPairing)).Methods(http.MethodPost)
	api.Handle("/pair/confirm", chain.ThenFunc(h.confirmPairing)).Methods(http.MethodPost)
	api.Handle("/pair/{deviceID}", chain.ThenFunc(h.dismissPairing)).Methods(http.MethodDelete)
	api.Handle("/devices", chain.ThenFunc(h.listDevices)).Methods(http.MethodGet)
	api.Handle("/devices/{deviceID}", chain.ThenFunc(h.getDevice)).Methods(http.MethodGet)
	api.Handle("/devices/{deviceID}", chain.ThenFunc(h.deleteDevice)).Methods(http.MethodDelete)

	api.PathPrefix("/").Handler(chain.ThenFunc(notFound))
}

func (h *apiHandler) requestPairing(response http.ResponseWriter, request *http.Request) {
	var body struct {
		DeviceID   string `json:"device_id"`
		Name       string `json:"name"`
		DeviceType string `json:"device_type"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeJSONError(response, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if body.DeviceID == "" {
		writeJSONError(response, http.StatusBadRequest, "device_id required")
		return
	}

	// the code is never part of this response; operators see it via the
	// pairing:requests broadcast
	if _, err := h.pairing.Request(body.DeviceID, body.Name, body.DeviceType); err != nil {
		h.errorLog.Log(logging.MessageKey(), "pairing request failed", logging.ErrorKey(), err)
		writeJSONError(response, http.StatusInternalServerError, "Unable to create pairing request")
		return
	}

	writeJSON(response, http.StatusOK, map[string]string{
		"status":    "pending",
		"message":   "Enter the 6-character code shown in the operator console",
		"device_id": body.DeviceID,
	})
}

func (h *apiHandler) confirmPairing(response http.ResponseWriter, request *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
		Code     string `json:"code"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeJSONError(response, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if body.DeviceID == "" || body.Code == "" {
		writeJSONError(response, http.StatusBadRequest, "device_id and code required")
		return
	}

	token, err := h.pairing.Confirm(body.DeviceID, body.Code)
	if errors.Is(err, pairing.ErrInvalidCode) {
		writeJSONError(response, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.errorLog.Log(logging.MessageKey(), "pairing confirmation failed", logging.ErrorKey(), err)
		writeJSONError(response, http.StatusInternalServerError, "Unable to confirm pairing")
		return
	}

	writeJSON(response, http.StatusOK, map[string]string{
		"status":    "paired",
		"token":     token,
		"device_id": body.DeviceID,
	})
}

func (h *apiHandler) listPairingRequests(response http.ResponseWriter, request *http.Request) {
	requests, err := h.pairing.Pending()
	if err != nil {
		h.errorLog.Log(logging.MessageKey(), "unable to list pairing requests", logging.ErrorKey(), err)
		writeJSONError(response, http.StatusInternalServerError, "Unable to list pairing requests")
		return
	}
	if requests == nil {
		requests = []protocol.PairingRequest{}
	}
	writeJSON(response, http.StatusOK, map[string]interface{}{"requests": requests})
}

func (h *apiHandler) dismissPairing(response http.ResponseWriter, request *http.Request) {
	deviceID := mux.Vars(request)["deviceID"]
	if err := h.pairing.Dismiss(deviceID); err != nil {
		h.errorLog.Log(logging.MessageKey(), "unable to dismiss pairing request", logging.ErrorKey(), err)
		writeJSONError(response, http.StatusInternalServerError, "Unable to dismiss pairing request")
		return
	}
	writeJSON(response, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *apiHandler) listDevices(response http.ResponseWriter, request *http.Request) {
	devices, err := h.store.PairedDevices()
	if err != nil {
		h.errorLog.Log(logging.MessageKey(), "unable to list devices", logging.ErrorKey(), err)
		writeJSONError(response, http.StatusInternalServerError, "Unable to list devices")
		return
	}
	if devices == nil {
		devices = []protocol.Device{}
	}
	writeJSON(response, http.StatusOK, map[string]interface{}{"devices": devices})
}

func (h *apiHandler) getDevice(response http.ResponseWriter, request *http.Request) {
	deviceID := mux.Vars(request)["deviceID"]

	device, found, err := h.store.GetDevice(deviceID)
	if err != nil {
		h.errorLog.Log(logging.MessageKey(), "device lookup failed", logging.ErrorKey(), err)
		writeJSONError(response, http.StatusInternalServerError, "Unable to read device")
		return
	}
	if !found {
		writeJSONError(response, http.StatusNotFound, "Device not found")
		return
	}
	writeJSON(response, http.StatusOK, device)
}

func (h *apiHandler) deleteDevice(response http.ResponseWriter, request *http.Request) {
	deviceID := mux.Vars(request)["deviceID"]
	if err := h.store.DeleteDevice(deviceID); err != nil {
		h.errorLog.Log(logging.MessageKey(), "unable to delete device", logging.ErrorKey(), err)
		writeJSONError(response, http.StatusInternalServerError, "Unable to delete device")
		return
	}
	writeJSON(response, http.StatusOK, map[string]string{"status": "deleted"})
}

func notFound(response http.ResponseWriter, request *http.Request) {
	writeJSONError(response, http.StatusNotFound, "Not found")
}

func writeJSON(response http.ResponseWriter, code int, value interface{}) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(code)
	json.NewEncoder(response).Encode(value)
}

func writeJSONError(response http.ResponseWriter, code int, message string) {
	writeJSON(response, code, map[string]string{"error": message})
}
