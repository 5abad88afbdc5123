package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// jsonError writes a JSON error envelope {"error": msg} with the given
// status code.
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// warnOnErr logs a background store-op failure without interrupting the
// request that triggered it; the HTTP response has already been decided by
// the time these run.
func warnOnErr(op string, err error) {
	if err != nil {
		slog.Warn("background operation failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}
