package httpapi

import (
	"encoding/json"
	"net/http"
)

// respond writes v as a JSON response body, grounded on
// wisbric-nightowl's httpserver.Respond helper.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respond(w, status, map[string]string{"error": code, "message": message})
}
