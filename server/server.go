// Package server owns the single TCP port: it accepts connections, reads
// each HTTP request head under a deadline, and routes the connection to
// the HTTP surface or the WebSocket codec.
package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/fleetmesh/fleetmesh/logging"
	"github.com/fleetmesh/fleetmesh/ws"
)

// defaultHandshakeTimeout bounds how long a client may take to deliver a
// complete request head.
const defaultHandshakeTimeout = 5 * time.Second

// Options configures the Server.
type Options struct {
	// Address is the listen address, e.g. ":3000".
	Address string

	// Handler serves everything that is not a WebSocket upgrade: the API
	// surface and the static files.  Responses are one-shot; the socket
	// closes after each.
	Handler http.Handler

	// PeerHandler runs the message loop for an upgraded connection and
	// returns when the peer is gone.
	PeerHandler func(*ws.Conn)

	// HandshakeTimeout overrides the head-read deadline.  Zero means the
	// 5 second default.
	HandshakeTimeout time.Duration

	Log log.Logger
}

// Server is the L4 acceptor plus protocol demux.
type Server struct {
	address          string
	handler          http.Handler
	peerHandler      func(*ws.Conn)
	handshakeTimeout time.Duration

	listener net.Listener
	infoLog  log.Logger
	errorLog log.Logger
	debugLog log.Logger
}

// New constructs a Server from options.
func New(o *Options) *Server {
	logger := o.Log
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	timeout := o.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	return &Server{
		address:          o.Address,
		handler:          o.Handler,
		peerHandler:      o.PeerHandler,
		handshakeTimeout: timeout,
		infoLog:          logging.Info(logger),
		errorLog:         logging.Error(logger),
		debugLog:         logging.Debug(logger),
	}
}

// ListenAndServe binds the configured address and serves until the
// listener is closed.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections from the listener, one worker goroutine per
// connection.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	s.infoLog.Log(logging.MessageKey(), "listening", "address", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConnection(conn)
	}
}

// Addr reports the bound address, for tests listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting.  Live peer connections run until their
// transports close; shutdown is process exit.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// handleConnection reads the request head under the handshake deadline and
// demuxes: WebSocket upgrades stay on this goroutine inside the peer
// handler; everything else gets a one-shot HTTP response.
func (s *Server) handleConnection(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))

	reader := bufio.NewReader(conn)
	request, err := http.ReadRequest(reader)
	if err != nil {
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Time{})

	if isUpgrade(request) {
		peer, err := ws.Accept(conn, reader, request)
		if err != nil {
			s.debugLog.Log(logging.MessageKey(), "websocket handshake failed",
				"remote", conn.RemoteAddr().String(), logging.ErrorKey(), err)
			conn.Close()
			return
		}
		s.peerHandler(peer)
		return
	}

	defer conn.Close()

	writer := newOneShotWriter()
	s.handler.ServeHTTP(writer, request)
	if err := writer.finish(conn); err != nil {
		s.debugLog.Log(logging.MessageKey(), "response write failed",
			"remote", conn.RemoteAddr().String(), logging.ErrorKey(), err)
	}
}

// isUpgrade reports whether the head asks for a WebSocket upgrade,
// matching the Upgrade header case-insensitively.
func isUpgrade(request *http.Request) bool {
	return strings.EqualFold(request.Header.Get("Upgrade"), "websocket")
}
