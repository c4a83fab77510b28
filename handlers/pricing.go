package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/twcharge/ocpp-cs/models"
)

type PricingHandler struct {
	db *sql.DB
}

func NewPricingHandler(db *sql.DB) *PricingHandler {
	return &PricingHandler{db: db}
}

var (
	datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	hhmmPattern = regexp.MustCompile(`^([01]\d|2[0-4]):[0-5]\d$`)
)

func validSegment(s models.TariffSegment) string {
	if !datePattern.MatchString(s.Date) {
		return "date must be YYYY-MM-DD"
	}
	if !hhmmPattern.MatchString(s.Start) || !hhmmPattern.MatchString(s.End) {
		return "start_time and end_time must be HH:MM"
	}
	if s.Price < 0 {
		return "price cannot be negative"
	}
	return ""
}

func (h *PricingHandler) List(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")

	query := `
		SELECT id, date, start_time, end_time, price, label
		FROM daily_pricing
	`
	var rows *sql.Rows
	var err error
	if date != "" {
		query += " WHERE date = ? ORDER BY date, start_time"
		rows, err = h.db.Query(query, date)
	} else {
		query += " ORDER BY date, start_time"
		rows, err = h.db.Query(query)
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	defer rows.Close()

	segments := []models.TariffSegment{}
	for rows.Next() {
		var s models.TariffSegment
		if err := rows.Scan(&s.ID, &s.Date, &s.Start, &s.End, &s.Price, &s.Label); err != nil {
			continue
		}
		segments = append(segments, s)
	}
	writeJSON(w, http.StatusOK, segments)
}

func (h *PricingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var s models.TariffSegment
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request")
		return
	}
	if msg := validSegment(s); msg != "" {
		writeDetail(w, http.StatusBadRequest, msg)
		return
	}

	result, err := h.db.Exec(`
		INSERT INTO daily_pricing (date, start_time, end_time, price, label)
		VALUES (?, ?, ?, ?, ?)
	`, s.Date, s.Start, s.End, s.Price, s.Label)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to create pricing segment")
		return
	}
	id, _ := result.LastInsertId()
	s.ID = int(id)
	writeJSON(w, http.StatusCreated, s)
}

func (h *PricingHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid id")
		return
	}
	var s models.TariffSegment
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request")
		return
	}
	if msg := validSegment(s); msg != "" {
		writeDetail(w, http.StatusBadRequest, msg)
		return
	}

	result, err := h.db.Exec(`
		UPDATE daily_pricing
		SET date = ?, start_time = ?, end_time = ?, price = ?, label = ?
		WHERE id = ?
	`, s.Date, s.Start, s.End, s.Price, s.Label, id)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to update pricing segment")
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		writeDetail(w, http.StatusNotFound, "pricing segment not found")
		return
	}
	s.ID = id
	writeJSON(w, http.StatusOK, s)
}

func (h *PricingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid id")
		return
	}
	result, err := h.db.Exec("DELETE FROM daily_pricing WHERE id = ?", id)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to delete pricing segment")
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		writeDetail(w, http.StatusNotFound, "pricing segment not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
