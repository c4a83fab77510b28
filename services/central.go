package services

import (
	"database/sql"
	"log"
	"time"

	"github.com/twcharge/ocpp-cs/ocpp"
)

// BootInterval is the heartbeat/meter interval handed to charge points
// in the BootNotification reply.
const BootInterval = 10

// CentralSystem routes inbound OCPP actions to the domain services. It
// is the single ocpp.CentralHandler for every session.
type CentralSystem struct {
	db      *sql.DB
	engine  *TransactionEngine
	billing *BillingStreamer
	cache   *LiveStatusCache
}

func NewCentralSystem(db *sql.DB, engine *TransactionEngine, billing *BillingStreamer, cache *LiveStatusCache) *CentralSystem {
	return &CentralSystem{db: db, engine: engine, billing: billing, cache: cache}
}

// IsWhitelisted is the admission check for the websocket server.
func (c *CentralSystem) IsWhitelisted(cpID string) bool {
	var enabled int
	err := c.db.QueryRow(
		"SELECT enabled FROM charge_points WHERE charge_point_id = ?", cpID,
	).Scan(&enabled)
	if err != nil {
		return false
	}
	return enabled != 0
}

// LogConnection records connect/disconnect events.
func (c *CentralSystem) LogConnection(cpID, event, peerAddr string) {
	_, err := c.db.Exec(`
		INSERT INTO connection_logs (charge_point_id, event, peer_addr, timestamp)
		VALUES (?, ?, ?, ?)
	`, cpID, event, peerAddr, NowUTC())
	if err != nil {
		log.Printf("[OCPP] failed to log %s for %s: %v", event, cpID, err)
	}
}

// BootNotification always answers Accepted; rejecting here can brick a
// charger that is retrying through a transient server problem.
func (c *CentralSystem) BootNotification(cpID string, p ocpp.Payload) (any, error) {
	vendor := p.String("chargePointVendor")
	model := p.String("chargePointModel")
	log.Printf("[OCPP] %s: BootNotification vendor=%q model=%q", cpID, vendor, model)

	return map[string]any{
		"currentTime": time.Now().UTC().Format(time.RFC3339),
		"interval":    BootInterval,
		"status":      "Accepted",
	}, nil
}

func (c *CentralSystem) Heartbeat(cpID string, p ocpp.Payload) (any, error) {
	return map[string]any{
		"currentTime": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (c *CentralSystem) StatusNotification(cpID string, p ocpp.Payload) (any, error) {
	connectorID, _ := p.Int("connectorId")
	status := p.String("status")
	errorCode := p.String("errorCode")
	ts := NormalizeTimestamp(p.String("timestamp"))

	_, err := c.db.Exec(`
		INSERT INTO status_logs (charge_point_id, connector_id, status, error_code, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, cpID, connectorID, status, errorCode, ts)
	if err != nil {
		log.Printf("[OCPP] %s: failed to log status %s: %v", cpID, status, err)
	}
	return map[string]any{}, nil
}

func (c *CentralSystem) Authorize(cpID string, p ocpp.Payload) (any, error) {
	idTag := p.String("idTag")
	status := c.authorizeIdTag(idTag)
	log.Printf("[OCPP] %s: Authorize %s -> %s", cpID, idTag, status)
	return map[string]any{
		"idTagInfo": map[string]any{"status": status},
	}, nil
}

func (c *CentralSystem) authorizeIdTag(idTag string) string {
	if idTag == "" {
		return "Invalid"
	}
	var status string
	var expiry sql.NullString
	err := c.db.QueryRow(
		"SELECT status, expiry_date FROM id_tags WHERE id_tag = ?", idTag,
	).Scan(&status, &expiry)
	if err == sql.ErrNoRows {
		return "Invalid"
	}
	if err != nil {
		return "Invalid"
	}
	if expiry.Valid {
		if exp, ok := ParseTimestamp(expiry.String); ok && exp.Before(time.Now()) {
			return "Expired"
		}
	}
	if status != "Accepted" {
		return "Blocked"
	}
	return "Accepted"
}

func (c *CentralSystem) StartTransaction(cpID string, p ocpp.Payload) (any, error) {
	connectorID, ok := p.Int("connectorId")
	if !ok || connectorID < 1 {
		connectorID = 1
	}
	idTag := p.String("idTag")
	meterStart, _ := p.Int64("meterStart")
	timestamp := p.String("timestamp")

	txID, status := c.engine.Start(cpID, connectorID, idTag, meterStart, timestamp)
	return map[string]any{
		"transactionId": txID,
		"idTagInfo":     map[string]any{"status": status},
	}, nil
}

func (c *CentralSystem) StopTransaction(cpID string, p ocpp.Payload) (any, error) {
	txID, ok := p.Int64("transactionId")
	if !ok {
		log.Printf("[OCPP] %s: StopTransaction without transactionId, ignoring", cpID)
		return map[string]any{}, nil
	}
	meterStop, _ := p.Int64("meterStop")
	timestamp := p.String("timestamp")
	reason := p.String("reason")
	if reason == "" {
		reason = "Local"
	}

	if err := c.engine.Stop(cpID, txID, meterStop, timestamp, reason); err != nil {
		log.Printf("[OCPP] %s: StopTransaction %d failed: %v", cpID, txID, err)
	}
	return map[string]any{}, nil
}

func (c *CentralSystem) MeterValues(cpID string, p ocpp.Payload) (any, error) {
	if err := c.billing.HandleMeterValues(cpID, p); err != nil {
		log.Printf("[OCPP] %s: MeterValues failed: %v", cpID, err)
	}
	return map[string]any{}, nil
}
