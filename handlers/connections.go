package handlers

import (
	"database/sql"
	"net/http"
	"sort"
	"strconv"

	"github.com/twcharge/ocpp-cs/models"
	"github.com/twcharge/ocpp-cs/ocpp"
)

type ConnectionHandler struct {
	db       *sql.DB
	registry *ocpp.Registry
}

func NewConnectionHandler(db *sql.DB, registry *ocpp.Registry) *ConnectionHandler {
	return &ConnectionHandler{db: db, registry: registry}
}

// List reports the currently connected charge points.
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	ids := h.registry.ConnectedIDs()
	sort.Strings(ids)

	type conn struct {
		ChargePointID string `json:"charge_point_id"`
		Connected     bool   `json:"connected"`
	}
	out := make([]conn, 0, len(ids))
	for _, id := range ids {
		out = append(out, conn{ChargePointID: id, Connected: true})
	}
	writeJSON(w, http.StatusOK, out)
}

func queryLimit(r *http.Request) int {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	return limit
}

func (h *ConnectionHandler) ConnectionLogs(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.Query(`
		SELECT id, charge_point_id, event, peer_addr, timestamp
		FROM connection_logs ORDER BY id DESC LIMIT ?
	`, queryLimit(r))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	defer rows.Close()

	logs := []models.ConnectionLog{}
	for rows.Next() {
		var l models.ConnectionLog
		if err := rows.Scan(&l.ID, &l.ChargePointID, &l.Event, &l.PeerAddr, &l.Timestamp); err != nil {
			continue
		}
		logs = append(logs, l)
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *ConnectionHandler) StatusLogs(w http.ResponseWriter, r *http.Request) {
	cpID := r.URL.Query().Get("charge_point_id")

	query := `
		SELECT id, charge_point_id, connector_id, status, error_code, timestamp
		FROM status_logs
	`
	var rows *sql.Rows
	var err error
	if cpID != "" {
		query += " WHERE charge_point_id = ? ORDER BY id DESC LIMIT ?"
		rows, err = h.db.Query(query, cpID, queryLimit(r))
	} else {
		query += " ORDER BY id DESC LIMIT ?"
		rows, err = h.db.Query(query, queryLimit(r))
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	defer rows.Close()

	logs := []models.StatusLog{}
	for rows.Next() {
		var l models.StatusLog
		if err := rows.Scan(&l.ID, &l.ChargePointID, &l.ConnectorID, &l.Status, &l.ErrorCode, &l.Timestamp); err != nil {
			continue
		}
		logs = append(logs, l)
	}
	writeJSON(w, http.StatusOK, logs)
}
