package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/oracle/deviceproxy/internal/auditstore"
	"github.com/oracle/deviceproxy/internal/protocol"
)

type fakeDeviceLister struct {
	devices []DeviceInfo
}

func (f *fakeDeviceLister) Devices() []DeviceInfo { return f.devices }

type fakeAuditQuerier struct {
	records []auditstore.Record
	err     error
}

func (f *fakeAuditQuerier) Query(ctx context.Context, deviceID string, limit int) ([]auditstore.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func TestHandleHealthzReturnsOK(t *testing.T) {
	s := NewServer(&fakeDeviceLister{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.handleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestHandleListDevicesReturnsEmptyArrayNotNull(t *testing.T) {
	s := NewServer(&fakeDeviceLister{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	rec := httptest.NewRecorder()

	s.handleListDevices(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "[]\n" {
		t.Errorf("body = %q, want empty JSON array", rec.Body.String())
	}
}

func TestHandleListDevicesReturnsDevices(t *testing.T) {
	s := NewServer(&fakeDeviceLister{devices: []DeviceInfo{
		{ID: "dev-0", Name: "nic0", Alive: true},
	}}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	rec := httptest.NewRecorder()

	s.handleListDevices(rec, req)

	var got []DeviceInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].ID != "dev-0" || !got[0].Alive {
		t.Errorf("devices = %+v", got)
	}
}

func TestHandleDeviceAuditWithoutStoreReturns503(t *testing.T) {
	s := NewServer(&fakeDeviceLister{}, nil)

	r := chi.NewRouter()
	r.Get("/api/v1/devices/{id}/audit", s.handleDeviceAudit)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-0/audit", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleDeviceAuditReturnsRecords(t *testing.T) {
	s := NewServer(&fakeDeviceLister{}, &fakeAuditQuerier{records: []auditstore.Record{
		{DeviceID: "dev-0", Cmd: protocol.CmdBarRead, Value: 7},
	}})

	r := chi.NewRouter()
	r.Get("/api/v1/devices/{id}/audit", s.handleDeviceAudit)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-0/audit", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []auditstore.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].Value != 7 {
		t.Errorf("records = %+v", got)
	}
}

func TestHandleDeviceAuditRejectsBadLimit(t *testing.T) {
	s := NewServer(&fakeDeviceLister{}, &fakeAuditQuerier{})

	r := chi.NewRouter()
	r.Get("/api/v1/devices/{id}/audit", s.handleDeviceAudit)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-0/audit?limit=abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleDeviceAuditPropagatesStoreError(t *testing.T) {
	s := NewServer(&fakeDeviceLister{}, &fakeAuditQuerier{err: errors.New("boom")})

	r := chi.NewRouter()
	r.Get("/api/v1/devices/{id}/audit", s.handleDeviceAudit)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-0/audit", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
