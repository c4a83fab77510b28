package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDetail emits the surface's error shape.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// cpIDParam extracts the charge point identifier path parameter.
// Identifiers may contain reserved characters and arrive
// percent-encoded; the router already decodes one layer, the rest is
// decoded here and any leading slash stripped.
func cpIDParam(r *http.Request) string {
	id := mux.Vars(r)["id"]
	if decoded, err := url.PathUnescape(id); err == nil {
		id = decoded
	}
	return strings.TrimPrefix(id, "/")
}
