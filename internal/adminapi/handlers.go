package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oracle/deviceproxy/internal/auditstore"
)

// Server holds the dependencies needed by the admin API handlers.
type Server struct {
	devices DeviceLister
	audit   AuditQuerier
}

// NewServer creates a Server. audit may be nil — this is "dev mode", where
// the host runs without an audit store configured; /api/v1/devices/{id}/audit
// then responds 503 instead of querying a store that doesn't exist.
func NewServer(devices DeviceLister, audit AuditQuerier) *Server {
	return &Server{devices: devices, audit: audit}
}

// handleHealthz responds to GET /healthz. No authentication required.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleListDevices responds to GET /api/v1/devices with every device the
// host currently proxies.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.devices.Devices()
	if devices == nil {
		devices = []DeviceInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(devices)
}

// handleDeviceAudit responds to GET /api/v1/devices/{id}/audit.
//
// Supported query parameters:
//
//	limit – maximum number of records to return (default 100, max 1000)
//
// Returns 503 if no audit store is configured, 200 with a JSON array of
// auditstore.Record on success.
func (s *Server) handleDeviceAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "device id is required")
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	records, err := s.audit.Query(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit records")
		return
	}
	if records == nil {
		records = []auditstore.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(records)
}
