package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/twcharge/ocpp-cs/models"
	"github.com/twcharge/ocpp-cs/services"
)

type CardHandler struct {
	db *sql.DB
}

func NewCardHandler(db *sql.DB) *CardHandler {
	return &CardHandler{db: db}
}

type cardView struct {
	models.Card
	Status string `json:"status"`
}

func (h *CardHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.Query(`
		SELECT c.card_id, c.balance, c.created_at, c.updated_at,
		       COALESCE(t.status, '') AS status
		FROM cards c
		LEFT JOIN id_tags t ON t.id_tag = c.card_id
		ORDER BY c.card_id
	`)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	defer rows.Close()

	cards := []cardView{}
	for rows.Next() {
		var c cardView
		if err := rows.Scan(&c.CardID, &c.Balance, &c.CreatedAt, &c.UpdatedAt, &c.Status); err != nil {
			continue
		}
		cards = append(cards, c)
	}
	writeJSON(w, http.StatusOK, cards)
}

type cardRequest struct {
	CardID  string  `json:"card_id"`
	Balance float64 `json:"balance"`
	Status  string  `json:"status"`
}

func (h *CardHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req cardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CardID == "" {
		writeDetail(w, http.StatusBadRequest, "card_id is required")
		return
	}
	if req.Balance < 0 {
		writeDetail(w, http.StatusBadRequest, "balance cannot be negative")
		return
	}
	status := req.Status
	if status == "" {
		status = "Accepted"
	}

	tx, err := h.db.Begin()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO cards (card_id, balance) VALUES (?, ?)", req.CardID, req.Balance,
	); err != nil {
		writeDetail(w, http.StatusConflict, "card already exists")
		return
	}
	if _, err := tx.Exec(`
		INSERT INTO id_tags (id_tag, status) VALUES (?, ?)
		ON CONFLICT(id_tag) DO UPDATE SET status = excluded.status
	`, req.CardID, status); err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to create id tag")
		return
	}
	if err := tx.Commit(); err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"card_id": req.CardID, "balance": req.Balance, "status": status})
}

func (h *CardHandler) Balance(w http.ResponseWriter, r *http.Request) {
	cardID := mux.Vars(r)["id"]
	var balance float64
	err := h.db.QueryRow("SELECT balance FROM cards WHERE card_id = ?", cardID).Scan(&balance)
	if err == sql.ErrNoRows {
		writeDetail(w, http.StatusNotFound, "card not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card_id": cardID, "balance": balance})
}

type topupRequest struct {
	Amount float64 `json:"amount"`
}

// TopUp credits a card, creating it on first top-up.
func (h *CardHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	cardID := mux.Vars(r)["id"]
	var req topupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Amount <= 0 {
		writeDetail(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO cards (card_id, balance) VALUES (?, ?)
		ON CONFLICT(card_id) DO UPDATE SET
			balance = balance + excluded.balance,
			updated_at = CURRENT_TIMESTAMP
	`, cardID, req.Amount); err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to top up")
		return
	}

	var balance float64
	if err := tx.QueryRow("SELECT balance FROM cards WHERE card_id = ?", cardID).Scan(&balance); err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	if err := tx.Commit(); err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"card_id": cardID, "credited": services.Round2(req.Amount), "balance": services.Round2(balance),
	})
}

type statusRequest struct {
	Status     string  `json:"status"`
	ExpiryDate *string `json:"expiry_date"`
}

func (h *CardHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	cardID := mux.Vars(r)["id"]
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request")
		return
	}
	switch req.Status {
	case "Accepted", "Blocked", "Expired", "Invalid":
	default:
		writeDetail(w, http.StatusBadRequest, "status must be one of Accepted, Blocked, Expired, Invalid")
		return
	}

	_, err := h.db.Exec(`
		INSERT INTO id_tags (id_tag, status, expiry_date) VALUES (?, ?, ?)
		ON CONFLICT(id_tag) DO UPDATE SET
			status = excluded.status,
			expiry_date = excluded.expiry_date
	`, cardID, req.Status, req.ExpiryDate)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to update status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card_id": cardID, "status": req.Status})
}

func (h *CardHandler) Delete(w http.ResponseWriter, r *http.Request) {
	cardID := mux.Vars(r)["id"]

	tx, err := h.db.Begin()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	defer tx.Rollback()

	result, err := tx.Exec("DELETE FROM cards WHERE card_id = ?", cardID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to delete card")
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		writeDetail(w, http.StatusNotFound, "card not found")
		return
	}
	tx.Exec("DELETE FROM id_tags WHERE id_tag = ?", cardID)
	tx.Exec("DELETE FROM card_whitelist WHERE id_tag = ?", cardID)
	if err := tx.Commit(); err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CardHandler) Whitelist(w http.ResponseWriter, r *http.Request) {
	cardID := mux.Vars(r)["id"]
	rows, err := h.db.Query(
		"SELECT charge_point_id FROM card_whitelist WHERE id_tag = ? ORDER BY charge_point_id", cardID,
	)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	defer rows.Close()

	cps := []string{}
	for rows.Next() {
		var cp string
		if err := rows.Scan(&cp); err == nil {
			cps = append(cps, cp)
		}
	}
	// No rows means the card may start anywhere.
	writeJSON(w, http.StatusOK, map[string]any{
		"card_id": cardID, "charge_points": cps, "unrestricted": len(cps) == 0,
	})
}

type whitelistRequest struct {
	ChargePointID string `json:"charge_point_id"`
}

func (h *CardHandler) AddWhitelist(w http.ResponseWriter, r *http.Request) {
	cardID := mux.Vars(r)["id"]
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChargePointID == "" {
		writeDetail(w, http.StatusBadRequest, "charge_point_id is required")
		return
	}
	_, err := h.db.Exec(`
		INSERT OR IGNORE INTO card_whitelist (id_tag, charge_point_id) VALUES (?, ?)
	`, cardID, req.ChargePointID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to add whitelist entry")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"card_id": cardID, "charge_point_id": req.ChargePointID})
}

func (h *CardHandler) RemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	_, err := h.db.Exec(
		"DELETE FROM card_whitelist WHERE id_tag = ? AND charge_point_id = ?",
		vars["id"], vars["cp"],
	)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to remove whitelist entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
