package ocpp

import (
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the OCPP 1.6 JSON sub-protocol identifier.
const Subprotocol = "ocpp1.6"

// Server upgrades charge point connections, runs admission checks and
// hands accepted sockets to a Session.
type Server struct {
	registry *Registry
	handler  CentralHandler

	// AuthorizeCP reports whether the identifier is whitelisted.
	authorizeCP func(cpID string) bool
	// Optional shared admission token; empty disables the check.
	token string

	onConnect    func(cpID, peerAddr string)
	onDisconnect func(cpID, peerAddr string)

	upgrader websocket.Upgrader
}

func NewServer(registry *Registry, handler CentralHandler, authorizeCP func(string) bool, token string) *Server {
	return &Server{
		registry:    registry,
		handler:     handler,
		authorizeCP: authorizeCP,
		token:       token,
		upgrader: websocket.Upgrader{
			Subprotocols:     []string{Subprotocol},
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) OnConnect(fn func(cpID, peerAddr string))    { s.onConnect = fn }
func (s *Server) OnDisconnect(fn func(cpID, peerAddr string)) { s.onDisconnect = fn }

// ChargePointID derives the identifier from the request path below
// prefix. Identifiers may contain '*' and other reserved characters, so
// they arrive percent-encoded.
func ChargePointID(r *http.Request, prefix string) string {
	raw := strings.TrimPrefix(r.URL.EscapedPath(), prefix)
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	return strings.TrimPrefix(decoded, "/")
}

// HandleWS is the websocket endpoint. Admission failures upgrade first
// so the charge point receives a proper 1008 close frame.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	cpID := ChargePointID(r, "/ocpp")
	peer := r.RemoteAddr

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[OCPP] upgrade failed for %s from %s: %v", cpID, peer, err)
		return
	}

	if s.token != "" && r.URL.Query().Get("token") != s.token {
		log.Printf("[OCPP] %s from %s: bad admission token", cpID, peer)
		s.refuse(conn, "invalid token")
		return
	}

	if cpID == "" || !s.authorizeCP(cpID) {
		log.Printf("[OCPP] %s from %s: not whitelisted", cpID, peer)
		s.refuse(conn, "charge point not registered")
		return
	}

	session := NewSession(cpID, conn, s.handler)
	if prior := s.registry.Add(session); prior != nil {
		log.Printf("[OCPP] %s: closing prior session on reconnect", cpID)
		prior.Close()
	}

	log.Printf("[OCPP] %s connected from %s", cpID, peer)
	if s.onConnect != nil {
		s.onConnect(cpID, peer)
	}

	err = session.Run()
	s.registry.Remove(session)
	log.Printf("[OCPP] %s disconnected: %v", cpID, err)
	if s.onDisconnect != nil {
		s.onDisconnect(cpID, peer)
	}
}

func (s *Server) refuse(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}
