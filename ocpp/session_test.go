package ocpp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandler answers every action with a canned payload and records
// what it saw.
type stubHandler struct {
	mu    sync.Mutex
	calls []string
}

func (h *stubHandler) record(action string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, action)
}

func (h *stubHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *stubHandler) BootNotification(cpID string, p Payload) (any, error) {
	h.record("BootNotification")
	return map[string]any{
		"status":      "Accepted",
		"currentTime": time.Now().UTC().Format(time.RFC3339),
		"interval":    10,
	}, nil
}

func (h *stubHandler) Heartbeat(cpID string, p Payload) (any, error) {
	h.record("Heartbeat")
	return map[string]any{"currentTime": time.Now().UTC().Format(time.RFC3339)}, nil
}

func (h *stubHandler) StatusNotification(cpID string, p Payload) (any, error) {
	h.record("StatusNotification")
	return map[string]any{}, nil
}

func (h *stubHandler) Authorize(cpID string, p Payload) (any, error) {
	h.record("Authorize")
	return map[string]any{"idTagInfo": map[string]any{"status": "Accepted"}}, nil
}

func (h *stubHandler) StartTransaction(cpID string, p Payload) (any, error) {
	h.record("StartTransaction")
	return map[string]any{"transactionId": 1, "idTagInfo": map[string]any{"status": "Accepted"}}, nil
}

func (h *stubHandler) StopTransaction(cpID string, p Payload) (any, error) {
	h.record("StopTransaction")
	return map[string]any{"idTagInfo": map[string]any{"status": "Accepted"}}, nil
}

func (h *stubHandler) MeterValues(cpID string, p Payload) (any, error) {
	h.record("MeterValues")
	return map[string]any{}, nil
}

func newWSTestServer(t *testing.T, authorize func(string) bool, token string) (*Server, *Registry, *httptest.Server) {
	t.Helper()
	registry := NewRegistry()
	srv := NewServer(registry, &stubHandler{}, authorize, token)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(ts.Close)
	return srv, registry, ts
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 2 * time.Second,
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func waitForSession(t *testing.T, registry *Registry, cpID string) *Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := registry.Get(cpID); ok {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never registered", cpID)
	return nil
}

func TestSubprotocolNegotiation(t *testing.T) {
	_, _, ts := newWSTestServer(t, func(string) bool { return true }, "")
	conn := dialWS(t, ts, "/ocpp/CP-OK")
	assert.Equal(t, Subprotocol, conn.Subprotocol())
}

func TestAdmissionRefusesUnknownChargePoint(t *testing.T) {
	_, registry, ts := newWSTestServer(t, func(cpID string) bool { return cpID == "CP-OK" }, "")
	conn := dialWS(t, ts, "/ocpp/CP-UNKNOWN")

	// The upgrade succeeds so the close frame can carry the policy code.
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Zero(t, registry.Count())
}

func TestAdmissionRefusesBadToken(t *testing.T) {
	_, _, ts := newWSTestServer(t, func(string) bool { return true }, "s3cret")

	conn := dialWS(t, ts, "/ocpp/CP-OK")
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

	good := dialWS(t, ts, "/ocpp/CP-OK?token=s3cret")
	require.NoError(t, good.WriteMessage(websocket.TextMessage,
		[]byte(`[2, "hb-1", "Heartbeat", {}]`)))
	_, data, err := good.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, CallResultMessage, f.MessageType)
}

func TestEncodedChargePointIDInPath(t *testing.T) {
	var got string
	_, registry, ts := newWSTestServer(t, func(cpID string) bool {
		got = cpID
		return true
	}, "")

	dialWS(t, ts, "/ocpp/TW%2AMSI%2AE000100")
	waitForSession(t, registry, "TW*MSI*E000100")
	assert.Equal(t, "TW*MSI*E000100", got)
}

func TestBootNotificationRoundTrip(t *testing.T) {
	_, _, ts := newWSTestServer(t, func(string) bool { return true }, "")
	conn := dialWS(t, ts, "/ocpp/CP-OK")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`[2, "boot-1", "BootNotification", {"chargePointVendor": "ACME", "chargePointModel": "X1"}]`)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, CallResultMessage, f.MessageType)
	assert.Equal(t, "boot-1", f.UniqueID)

	p, err := ParsePayload(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "Accepted", p.String("status"))
	interval, ok := p.Int("interval")
	require.True(t, ok)
	assert.Equal(t, 10, interval)
}

func TestUnknownActionGetsNotImplemented(t *testing.T) {
	_, _, ts := newWSTestServer(t, func(string) bool { return true }, "")
	conn := dialWS(t, ts, "/ocpp/CP-OK")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`[2, "x-1", "DiagnosticsStatusNotification", {}]`)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, CallErrorMessage, f.MessageType)
	assert.Equal(t, "x-1", f.UniqueID)
	assert.Equal(t, "NotImplemented", f.ErrorCode)
}

func TestDataTransferRejected(t *testing.T) {
	_, _, ts := newWSTestServer(t, func(string) bool { return true }, "")
	conn := dialWS(t, ts, "/ocpp/CP-OK")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`[2, "dt-1", "DataTransfer", {"vendorId": "ACME"}]`)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, CallResultMessage, f.MessageType)
	p, err := ParsePayload(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "Rejected", p.String("status"))
}

func TestMalformedFrameWithRecoverableIDGetsCallError(t *testing.T) {
	_, _, ts := newWSTestServer(t, func(string) bool { return true }, "")
	conn := dialWS(t, ts, "/ocpp/CP-OK")

	// Action is a number, so the frame fails decoding, but the message
	// id is intact.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`[2, "bad-1", 123, {}]`)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, CallErrorMessage, f.MessageType)
	assert.Equal(t, "bad-1", f.UniqueID)
	assert.Equal(t, "FormationViolation", f.ErrorCode)

	// Frames with no recoverable id are dropped and the session keeps
	// serving.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"not":"an array"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`[2, "hb-2", "Heartbeat", {}]`)))

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	f, err = DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, CallResultMessage, f.MessageType)
	assert.Equal(t, "hb-2", f.UniqueID)
}

func TestRecoverMessageID(t *testing.T) {
	id, ok := RecoverMessageID([]byte(`[2, "m-1", 42]`))
	require.True(t, ok)
	assert.Equal(t, "m-1", id)

	for _, data := range []string{
		`{"not": "an array"}`,
		`[2]`,
		`[2, 17, "Action"]`,
		`[2, "", "Action"]`,
		`not json`,
	} {
		_, ok := RecoverMessageID([]byte(data))
		assert.False(t, ok, data)
	}
}

func TestServerCallCorrelation(t *testing.T) {
	_, registry, ts := newWSTestServer(t, func(string) bool { return true }, "")
	conn := dialWS(t, ts, "/ocpp/CP-OK")
	session := waitForSession(t, registry, "CP-OK")

	type remoteStopResult struct {
		Status string `json:"status"`
	}
	done := make(chan error, 1)
	var result remoteStopResult
	go func() {
		done <- session.Call(context.Background(), "RemoteStopTransaction",
			map[string]any{"transactionId": 42}, &result)
	}()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, CallMessage, f.MessageType)
	require.Equal(t, "RemoteStopTransaction", f.Action)

	var sent struct {
		TransactionID int `json:"transactionId"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &sent))
	assert.Equal(t, 42, sent.TransactionID)

	reply, err := EncodeCallResult(f.UniqueID, map[string]any{"status": "Accepted"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, reply))

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, "Accepted", result.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("call never completed")
	}
}

func TestServerCallErrorPropagates(t *testing.T) {
	_, registry, ts := newWSTestServer(t, func(string) bool { return true }, "")
	conn := dialWS(t, ts, "/ocpp/CP-OK")
	session := waitForSession(t, registry, "CP-OK")

	done := make(chan error, 1)
	go func() {
		done <- session.Call(context.Background(), "SetChargingProfile", map[string]any{}, nil)
	}()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(data)
	require.NoError(t, err)

	reply, err := EncodeCallError(f.UniqueID, "NotSupported", "profiles unsupported")
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, reply))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "NotSupported")
	case <-time.After(3 * time.Second):
		t.Fatal("call never completed")
	}
}

func TestCallTimesOutWithoutReply(t *testing.T) {
	_, registry, ts := newWSTestServer(t, func(string) bool { return true }, "")
	dialWS(t, ts, "/ocpp/CP-OK")
	session := waitForSession(t, registry, "CP-OK")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := session.Call(ctx, "RemoteStartTransaction", map[string]any{"idTag": "T"}, nil)
	assert.ErrorIs(t, err, ErrCallTimeout)
}

func TestReconnectDisplacesPriorSession(t *testing.T) {
	_, registry, ts := newWSTestServer(t, func(string) bool { return true }, "")

	first := dialWS(t, ts, "/ocpp/CP-OK")
	waitForSession(t, registry, "CP-OK")

	dialWS(t, ts, "/ocpp/CP-OK")

	// The displaced connection is closed by the server.
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && registry.Count() != 1 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, registry.Count())
}

func TestStubHandlerSeesDispatchedActions(t *testing.T) {
	registry := NewRegistry()
	handler := &stubHandler{}
	srv := NewServer(registry, handler, func(string) bool { return true }, "")
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts, "/ocpp/CP-OK")
	for _, frame := range []string{
		`[2, "1", "BootNotification", {}]`,
		`[2, "2", "StatusNotification", {"connectorId": 1, "status": "Available"}]`,
		`[2, "3", "Heartbeat", {}]`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"BootNotification", "StatusNotification", "Heartbeat"}, handler.seen())
}
