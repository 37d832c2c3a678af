package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/raftlog/internal/runtime"
)

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeNoContent writes a 204 No Content response.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// parseLimit parses a limit string and returns a valid limit value.
//
// Returns def for empty or invalid values and caps the result at max.
func parseLimit(limitStr string, def, max int) int {
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// writeNotLeader answers a write made on a follower with the known leader.
func writeNotLeader(w http.ResponseWriter, leader uint64) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMisdirectedRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": "not leader", "leader": leader})
}

// partitionFromPath resolves the {partition} URL parameter. It writes the
// error response itself and returns false when the partition is unknown.
func partitionFromPath(rt *runtime.Runtime, w http.ResponseWriter, r *http.Request) (*runtime.Partition, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "partition"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid partition id")
		return nil, false
	}
	p, ok := rt.Partition(uint32(id))
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown partition")
		return nil, false
	}
	return p, true
}
