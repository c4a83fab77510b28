package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/twcharge/ocpp-cs/services"
)

type DebugHandler struct {
	engine *services.TransactionEngine
}

func NewDebugHandler(engine *services.TransactionEngine) *DebugHandler {
	return &DebugHandler{engine: engine}
}

// StartTransactionCheck dry-runs the StartTransaction admission
// decision without creating anything.
func (h *DebugHandler) StartTransactionCheck(w http.ResponseWriter, r *http.Request) {
	cpID := r.URL.Query().Get("charge_point_id")
	if decoded, err := url.QueryUnescape(cpID); err == nil {
		cpID = decoded
	}
	cpID = strings.TrimPrefix(cpID, "/")

	idTag := r.URL.Query().Get("id_tag")
	if idTag == "" {
		idTag = r.URL.Query().Get("idTag")
	}
	if cpID == "" || idTag == "" {
		writeDetail(w, http.StatusBadRequest, "charge_point_id and id_tag are required")
		return
	}

	writeJSON(w, http.StatusOK, h.engine.CheckStart(cpID, idTag))
}
