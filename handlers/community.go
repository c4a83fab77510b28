package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/twcharge/ocpp-cs/models"
	"github.com/twcharge/ocpp-cs/services"
)

type CommunityHandler struct {
	smart *services.SmartCharging
}

func NewCommunityHandler(smart *services.SmartCharging) *CommunityHandler {
	return &CommunityHandler{smart: smart}
}

func (h *CommunityHandler) Get(w http.ResponseWriter, r *http.Request) {
	settings, err := h.smart.Settings()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *CommunityHandler) Save(w http.ResponseWriter, r *http.Request) {
	var settings models.CommunitySettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request")
		return
	}
	if settings.Enabled {
		if settings.ContractKW <= 0 || settings.VoltageV <= 0 {
			writeDetail(w, http.StatusBadRequest, "contract_kw and voltage_v must be positive")
			return
		}
		if settings.MinCurrentA <= 0 || settings.MaxCurrentA < settings.MinCurrentA {
			writeDetail(w, http.StatusBadRequest, "current bounds are inconsistent")
			return
		}
	}
	if err := h.smart.SaveSettings(settings); err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to save settings")
		return
	}

	// New capacity applies to running sessions right away.
	go h.smart.Rebalance("settings change")
	writeJSON(w, http.StatusOK, settings)
}

func (h *CommunityHandler) AppliedLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.smart.AppliedLimits())
}
