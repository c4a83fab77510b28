package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultCallTimeout bounds every outbound CALL awaiting its CALLRESULT.
const DefaultCallTimeout = 10 * time.Second

var (
	ErrCallTimeout    = errors.New("call timed out")
	ErrSessionClosed  = errors.New("session closed")
	errNotImplemented = errors.New("action not implemented")
)

// CentralHandler receives every inbound CALL, one method per action.
// Implementations return the CALLRESULT payload or an error that becomes
// a CALLERROR.
type CentralHandler interface {
	BootNotification(cpID string, p Payload) (any, error)
	Heartbeat(cpID string, p Payload) (any, error)
	StatusNotification(cpID string, p Payload) (any, error)
	Authorize(cpID string, p Payload) (any, error)
	StartTransaction(cpID string, p Payload) (any, error)
	StopTransaction(cpID string, p Payload) (any, error)
	MeterValues(cpID string, p Payload) (any, error)
}

type callOutcome struct {
	payload json.RawMessage
	errCode string
	errDesc string
}

// Session is one connected charge point. Reads happen on a single loop;
// writes from any goroutine are serialized through writeMu.
type Session struct {
	cpID    string
	conn    *websocket.Conn
	handler CentralHandler

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callOutcome

	closeOnce sync.Once
	done      chan struct{}

	// Smart charging capability, latched after the first
	// SetChargingProfile attempt. Unknown until then.
	capMu        sync.Mutex
	capKnown     bool
	capSupported bool
}

func NewSession(cpID string, conn *websocket.Conn, handler CentralHandler) *Session {
	return &Session{
		cpID:    cpID,
		conn:    conn,
		handler: handler,
		pending: make(map[string]chan callOutcome),
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.cpID }

func (s *Session) SmartChargingCapability() (supported, known bool) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	return s.capSupported, s.capKnown
}

func (s *Session) LatchSmartCharging(supported bool) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	s.capKnown = true
	s.capSupported = supported
}

// Close tears the connection down and fails all pending calls.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()

		s.pendingMu.Lock()
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()
	})
}

func (s *Session) writeFrame(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(DefaultCallTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Call sends a server-originated CALL and waits for the correlated
// CALLRESULT. result, when non-nil, receives the unmarshalled payload.
func (s *Session) Call(ctx context.Context, action string, payload any, result any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	uniqueID := uuid.NewString()
	data, err := EncodeCall(uniqueID, action, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", action, err)
	}

	ch := make(chan callOutcome, 1)
	s.pendingMu.Lock()
	s.pending[uniqueID] = ch
	s.pendingMu.Unlock()

	cleanup := func() {
		s.pendingMu.Lock()
		delete(s.pending, uniqueID)
		s.pendingMu.Unlock()
	}

	if err := s.writeFrame(data); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", action, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	select {
	case outcome, ok := <-ch:
		if !ok {
			return ErrSessionClosed
		}
		if outcome.errCode != "" {
			return fmt.Errorf("%s rejected: %s (%s)", action, outcome.errCode, outcome.errDesc)
		}
		if result != nil && len(outcome.payload) > 0 {
			if err := json.Unmarshal(outcome.payload, result); err != nil {
				return fmt.Errorf("decode %s result: %w", action, err)
			}
		}
		return nil
	case <-ctx.Done():
		cleanup()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s to %s: %w", action, s.cpID, ErrCallTimeout)
		}
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// Run drives the read loop until the connection drops. It returns the
// terminal read error.
func (s *Session) Run() error {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			log.Printf("[OCPP] %s: malformed frame: %v", s.cpID, err)
			// Answer with a CALLERROR when the sender's message id is
			// still recoverable; drop silently only without one.
			if id, ok := RecoverMessageID(data); ok {
				s.replyError(id, "FormationViolation", err.Error())
			}
			continue
		}

		switch frame.MessageType {
		case CallMessage:
			// Handlers may block on the database; keep reading so
			// CALLRESULTs for our own outbound calls still correlate.
			go s.handleCall(frame)
		case CallResultMessage, CallErrorMessage:
			s.handleReply(frame)
		}
	}
}

func (s *Session) handleCall(frame *Frame) {
	payload, err := ParsePayload(frame.Payload)
	if err != nil {
		s.replyError(frame.UniqueID, "FormationViolation", err.Error())
		return
	}

	result, err := s.dispatch(frame.Action, payload)
	if err != nil {
		log.Printf("[OCPP] %s: %s failed: %v", s.cpID, frame.Action, err)
		code := "InternalError"
		if errors.Is(err, errNotImplemented) {
			code = "NotImplemented"
		}
		s.replyError(frame.UniqueID, code, err.Error())
		return
	}

	data, err := EncodeCallResult(frame.UniqueID, result)
	if err != nil {
		log.Printf("[OCPP] %s: encode %s result: %v", s.cpID, frame.Action, err)
		return
	}
	if err := s.writeFrame(data); err != nil {
		log.Printf("[OCPP] %s: write %s result: %v", s.cpID, frame.Action, err)
	}
}

func (s *Session) dispatch(action string, p Payload) (any, error) {
	switch action {
	case "BootNotification":
		return s.handler.BootNotification(s.cpID, p)
	case "Heartbeat":
		return s.handler.Heartbeat(s.cpID, p)
	case "StatusNotification":
		return s.handler.StatusNotification(s.cpID, p)
	case "Authorize":
		return s.handler.Authorize(s.cpID, p)
	case "StartTransaction":
		return s.handler.StartTransaction(s.cpID, p)
	case "StopTransaction":
		return s.handler.StopTransaction(s.cpID, p)
	case "MeterValues":
		return s.handler.MeterValues(s.cpID, p)
	case "DataTransfer":
		return map[string]any{"status": "Rejected"}, nil
	default:
		return nil, fmt.Errorf("%s: %w", action, errNotImplemented)
	}
}

func (s *Session) handleReply(frame *Frame) {
	s.pendingMu.Lock()
	ch, ok := s.pending[frame.UniqueID]
	if ok {
		delete(s.pending, frame.UniqueID)
	}
	s.pendingMu.Unlock()

	if !ok {
		log.Printf("[OCPP] %s: reply for unknown message id %s, dropping", s.cpID, frame.UniqueID)
		return
	}

	ch <- callOutcome{
		payload: frame.Payload,
		errCode: frame.ErrorCode,
		errDesc: frame.ErrorDesc,
	}
}

func (s *Session) replyError(uniqueID, code, description string) {
	data, err := EncodeCallError(uniqueID, code, description)
	if err != nil {
		return
	}
	if err := s.writeFrame(data); err != nil {
		log.Printf("[OCPP] %s: write CALLERROR: %v", s.cpID, err)
	}
}
