package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/twcharge/ocpp-cs/models"
	"github.com/twcharge/ocpp-cs/ocpp"
	"github.com/twcharge/ocpp-cs/services"
)

type ChargePointHandler struct {
	db       *sql.DB
	registry *ocpp.Registry
	engine   *services.TransactionEngine
	cache    *services.LiveStatusCache
	smart    *services.SmartCharging
}

func NewChargePointHandler(db *sql.DB, registry *ocpp.Registry, engine *services.TransactionEngine, cache *services.LiveStatusCache, smart *services.SmartCharging) *ChargePointHandler {
	return &ChargePointHandler{db: db, registry: registry, engine: engine, cache: cache, smart: smart}
}

type chargePointView struct {
	models.ChargePoint
	Connected bool `json:"connected"`
}

func (h *ChargePointHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.Query(`
		SELECT charge_point_id, name, enabled, max_current_a, created_at, updated_at
		FROM charge_points ORDER BY charge_point_id
	`)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	defer rows.Close()

	out := []chargePointView{}
	for rows.Next() {
		var cp models.ChargePoint
		var enabled int
		if err := rows.Scan(&cp.ChargePointID, &cp.Name, &enabled, &cp.MaxCurrentA, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
			continue
		}
		cp.Enabled = enabled != 0
		_, connected := h.registry.Get(cp.ChargePointID)
		out = append(out, chargePointView{ChargePoint: cp, Connected: connected})
	}
	writeJSON(w, http.StatusOK, out)
}

type chargePointRequest struct {
	ChargePointID string   `json:"charge_point_id"`
	Name          string   `json:"name"`
	Enabled       *bool    `json:"enabled"`
	MaxCurrentA   *float64 `json:"max_current_a"`
	// accepted alias from older clients
	MaxCurrent *float64 `json:"maxCurrent"`
}

func (r *chargePointRequest) maxCurrent() (float64, bool) {
	if r.MaxCurrentA != nil {
		return *r.MaxCurrentA, true
	}
	if r.MaxCurrent != nil {
		return *r.MaxCurrent, true
	}
	return 0, false
}

func (h *ChargePointHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req chargePointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChargePointID == "" {
		writeDetail(w, http.StatusBadRequest, "charge_point_id is required")
		return
	}

	enabled := 1
	if req.Enabled != nil && !*req.Enabled {
		enabled = 0
	}
	maxCurrent := 16.0
	if mc, ok := req.maxCurrent(); ok {
		maxCurrent = mc
	}

	_, err := h.db.Exec(`
		INSERT INTO charge_points (charge_point_id, name, enabled, max_current_a)
		VALUES (?, ?, ?, ?)
	`, req.ChargePointID, req.Name, enabled, maxCurrent)
	if err != nil {
		writeDetail(w, http.StatusConflict, "charge point already exists")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"charge_point_id": req.ChargePointID})
}

func (h *ChargePointHandler) Update(w http.ResponseWriter, r *http.Request) {
	cpID := cpIDParam(r)
	var req chargePointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request")
		return
	}

	var enabled int
	var name string
	var maxCurrent float64
	err := h.db.QueryRow(
		"SELECT name, enabled, max_current_a FROM charge_points WHERE charge_point_id = ?", cpID,
	).Scan(&name, &enabled, &maxCurrent)
	if err == sql.ErrNoRows {
		writeDetail(w, http.StatusNotFound, "charge point not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}

	if req.Name != "" {
		name = req.Name
	}
	if req.Enabled != nil {
		enabled = 0
		if *req.Enabled {
			enabled = 1
		}
	}
	if mc, ok := req.maxCurrent(); ok {
		maxCurrent = mc
	}

	_, err = h.db.Exec(`
		UPDATE charge_points
		SET name = ?, enabled = ?, max_current_a = ?, updated_at = CURRENT_TIMESTAMP
		WHERE charge_point_id = ?
	`, name, enabled, maxCurrent, cpID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to update charge point")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"charge_point_id": cpID})
}

func (h *ChargePointHandler) Delete(w http.ResponseWriter, r *http.Request) {
	cpID := cpIDParam(r)
	result, err := h.db.Exec("DELETE FROM charge_points WHERE charge_point_id = ?", cpID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to delete charge point")
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		writeDetail(w, http.StatusNotFound, "charge point not found")
		return
	}
	if session, ok := h.registry.Get(cpID); ok {
		session.Close()
	}
	w.WriteHeader(http.StatusNoContent)
}

type remoteStartRequest struct {
	IdTag       string `json:"id_tag"`
	IdTagCamel  string `json:"idTag"`
	ConnectorID int    `json:"connector_id"`
}

func (h *ChargePointHandler) RemoteStart(w http.ResponseWriter, r *http.Request) {
	cpID := cpIDParam(r)
	var req remoteStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request")
		return
	}
	idTag := req.IdTag
	if idTag == "" {
		idTag = req.IdTagCamel
	}
	if idTag == "" {
		writeDetail(w, http.StatusBadRequest, "id_tag is required")
		return
	}

	err := h.engine.RemoteStart(r.Context(), cpID, idTag, req.ConnectorID)
	switch {
	case errors.Is(err, services.ErrNotConnected):
		writeDetail(w, http.StatusNotFound, "charge point not connected")
	case errors.Is(err, ocpp.ErrCallTimeout):
		writeDetail(w, http.StatusGatewayTimeout, "charge point did not answer")
	case err != nil:
		writeDetail(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "Accepted"})
	}
}

func (h *ChargePointHandler) RemoteStop(w http.ResponseWriter, r *http.Request) {
	cpID := cpIDParam(r)
	err := h.engine.RemoteStop(r.Context(), cpID)
	switch {
	case errors.Is(err, services.ErrNoActiveTransaction):
		writeDetail(w, http.StatusNotFound, "no active transaction")
	case errors.Is(err, services.ErrNotConnected):
		writeDetail(w, http.StatusNotFound, "charge point not connected")
	case errors.Is(err, services.ErrStopTimeout):
		writeDetail(w, http.StatusGatewayTimeout, "charge point did not stop in time")
	case errors.Is(err, ocpp.ErrCallTimeout):
		writeDetail(w, http.StatusGatewayTimeout, "charge point did not answer")
	case err != nil:
		writeDetail(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	}
}

type currentLimitRequest struct {
	MaxCurrentA *float64 `json:"max_current_a"`
	MaxCurrent  *float64 `json:"maxCurrent"`
}

func (h *ChargePointHandler) SetCurrentLimit(w http.ResponseWriter, r *http.Request) {
	cpID := cpIDParam(r)
	var req currentLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request")
		return
	}
	limit := req.MaxCurrentA
	if limit == nil {
		limit = req.MaxCurrent
	}
	if limit == nil || *limit <= 0 {
		writeDetail(w, http.StatusBadRequest, "max_current_a must be positive")
		return
	}

	result, err := h.db.Exec(`
		UPDATE charge_points SET max_current_a = ?, updated_at = CURRENT_TIMESTAMP
		WHERE charge_point_id = ?
	`, *limit, cpID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to update limit")
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		writeDetail(w, http.StatusNotFound, "charge point not found")
		return
	}

	// With coordination off the CP's own ceiling is authoritative; push
	// it straight into any running session.
	if settings, err := h.smart.Settings(); err == nil && !settings.Enabled {
		if err := h.smart.PushCurrentLimit(cpID, *limit); err != nil {
			log.Printf("[HTTP] %s: immediate limit push failed: %v", cpID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"charge_point_id": cpID, "max_current_a": *limit})
}

func (h *ChargePointHandler) LiveStatus(w http.ResponseWriter, r *http.Request) {
	cpID := cpIDParam(r)
	snap, _ := h.cache.Snapshot(cpID)
	writeJSON(w, http.StatusOK, snap)
}

func (h *ChargePointHandler) CurrentTransaction(w http.ResponseWriter, r *http.Request) {
	cpID := cpIDParam(r)
	tx, err := h.engine.ActiveTransaction(cpID)
	if errors.Is(err, services.ErrNoActiveTransaction) {
		writeDetail(w, http.StatusNotFound, "no active transaction")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *ChargePointHandler) CurrentTransactionSummary(w http.ResponseWriter, r *http.Request) {
	cpID := cpIDParam(r)
	tx, err := h.engine.ActiveTransaction(cpID)
	if errors.Is(err, services.ErrNoActiveTransaction) {
		writeDetail(w, http.StatusNotFound, "no active transaction")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Summary(tx))
}

func (h *ChargePointHandler) LastFinishedTransactionSummary(w http.ResponseWriter, r *http.Request) {
	cpID := cpIDParam(r)
	tx, err := h.engine.LastFinishedTransaction(cpID)
	if errors.Is(err, services.ErrNoActiveTransaction) {
		writeDetail(w, http.StatusNotFound, "no finished transaction")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Summary(tx))
}
