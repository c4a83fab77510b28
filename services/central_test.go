package services

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twcharge/ocpp-cs/ocpp"
)

// ocppRig is the full inbound stack behind a real websocket endpoint.
type ocppRig struct {
	db       *sql.DB
	engine   *TransactionEngine
	registry *ocpp.Registry
	ts       *httptest.Server
}

func newOCPPRig(t *testing.T) *ocppRig {
	t.Helper()
	db := newTestDB(t)
	tariff := newTestTariff(t, db)
	cache := NewLiveStatusCache(DefaultLiveStatusTTL)
	registry := ocpp.NewRegistry()
	engine := NewTransactionEngine(db, registry, cache, tariff)
	billing := NewBillingStreamer(db, tariff, cache, engine)
	central := NewCentralSystem(db, engine, billing, cache)

	server := ocpp.NewServer(registry, central, central.IsWhitelisted, "")
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	t.Cleanup(ts.Close)
	return &ocppRig{db: db, engine: engine, registry: registry, ts: ts}
}

func dialCP(t *testing.T, ts *httptest.Server, cpID string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{
		Subprotocols:     []string{ocpp.Subprotocol},
		HandshakeTimeout: 2 * time.Second,
	}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ocpp/"+cpID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func sendCall(t *testing.T, conn *websocket.Conn, id, action string, payload any) {
	t.Helper()
	data, err := ocpp.EncodeCall(id, action, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) *ocpp.Frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := ocpp.DecodeFrame(data)
	require.NoError(t, err)
	return f
}

func startTransactionOverWS(t *testing.T, conn *websocket.Conn, idTag string) int64 {
	t.Helper()
	sendCall(t, conn, "start-1", "StartTransaction", map[string]any{
		"connectorId": 1,
		"idTag":       idTag,
		"meterStart":  0,
		"timestamp":   "2026-03-10T02:00:00Z",
	})
	f := readFrame(t, conn)
	require.Equal(t, ocpp.CallResultMessage, f.MessageType)
	p, err := ocpp.ParsePayload(f.Payload)
	require.NoError(t, err)
	info, ok := p.Object("idTagInfo")
	require.True(t, ok)
	require.Equal(t, "Accepted", info.String("status"))
	txID, ok := p.Int64("transactionId")
	require.True(t, ok)
	require.NotZero(t, txID)
	return txID
}

func TestMeterValuesResumeAfterReconnect(t *testing.T) {
	rig := newOCPPRig(t)
	seedChargePoint(t, rig.db, "CP-1")
	seedCard(t, rig.db, "TAG-1", 100)

	conn := dialCP(t, rig.ts, "CP-1")
	txID := startTransactionOverWS(t, conn, "TAG-1")

	sendCall(t, conn, "mv-1", "MeterValues", meterValuesPayload(txID, "2026-03-10T02:01:00Z", 500))
	require.Equal(t, ocpp.CallResultMessage, readFrame(t, conn).MessageType)
	assert.InDelta(t, 97.0, cardBalance(t, rig.db, "TAG-1"), 0.001)

	// Wire drop mid-session: the transaction stays open.
	conn.Close()

	conn2 := dialCP(t, rig.ts, "CP-1")
	sendCall(t, conn2, "mv-2", "MeterValues", meterValuesPayload(txID, "2026-03-10T02:02:00Z", 1500))
	require.Equal(t, ocpp.CallResultMessage, readFrame(t, conn2).MessageType)

	// The resumed stream debits from where it left off, no re-bill of
	// the first 0.5 kWh.
	assert.InDelta(t, 91.0, cardBalance(t, rig.db, "TAG-1"), 0.001)

	var open int
	require.NoError(t, rig.db.QueryRow(
		"SELECT COUNT(*) FROM transactions WHERE stop_timestamp IS NULL",
	).Scan(&open))
	assert.Equal(t, 1, open)

	tx, err := rig.engine.ActiveOnConnector("CP-1", 1)
	require.NoError(t, err)
	assert.Equal(t, txID, tx.TransactionID)
}

func TestAutoStopSendsOneRemoteStopOverLiveSession(t *testing.T) {
	rig := newOCPPRig(t)
	seedChargePoint(t, rig.db, "CP-1")
	seedCard(t, rig.db, "TAG-1", 1.00)

	conn := dialCP(t, rig.ts, "CP-1")
	txID := startTransactionOverWS(t, conn, "TAG-1")

	// 0.2 kWh at 6.0 outruns the 1.00 balance.
	sendCall(t, conn, "mv-1", "MeterValues", meterValuesPayload(txID, "2026-03-10T02:01:00Z", 200))

	// The MeterValues CALLRESULT and the server's RemoteStopTransaction
	// CALL arrive in either order.
	var remoteStop *ocpp.Frame
	sawResult := false
	for remoteStop == nil || !sawResult {
		f := readFrame(t, conn)
		switch f.MessageType {
		case ocpp.CallResultMessage:
			sawResult = true
		case ocpp.CallMessage:
			require.Equal(t, "RemoteStopTransaction", f.Action)
			remoteStop = f
		}
	}

	p, err := ocpp.ParsePayload(remoteStop.Payload)
	require.NoError(t, err)
	gotTx, ok := p.Int64("transactionId")
	require.True(t, ok)
	assert.Equal(t, txID, gotTx)

	reply, err := ocpp.EncodeCallResult(remoteStop.UniqueID, map[string]any{"status": "Accepted"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, reply))

	assert.Zero(t, cardBalance(t, rig.db, "TAG-1"))

	// Still exhausted on the next sample; the stop request stays
	// deduplicated and no second CALL goes out.
	sendCall(t, conn, "mv-2", "MeterValues", meterValuesPayload(txID, "2026-03-10T02:02:00Z", 300))
	require.Equal(t, ocpp.CallResultMessage, readFrame(t, conn).MessageType)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
