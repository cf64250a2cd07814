package adminapi

import (
	"context"

	"github.com/oracle/deviceproxy/internal/auditstore"
)

// DeviceInfo is a proxied device as shown to API consumers.
type DeviceInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Alive bool   `json:"alive"`
}

// DeviceLister is the subset of the host's proxy device registry used by the
// admin API. Defining an interface allows handlers to be tested without a
// running device proxy.
type DeviceLister interface {
	Devices() []DeviceInfo
}

// AuditQuerier is the subset of auditstore.Store used by the admin API.
type AuditQuerier interface {
	Query(ctx context.Context, deviceID string, limit int) ([]auditstore.Record, error)
}
