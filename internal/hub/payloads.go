// -------------------------------------------------------------------------------
// Hub Payloads - Wire Types
//
// Envelope and descriptor types exchanged with the hub. Every envelope
// carries the stable instance UUID plus a fresh message UUID so the hub can
// deduplicate retransmitted payloads.
// -------------------------------------------------------------------------------

package hub

import (
	"github.com/apitrack/apitrack-go/internal/keys"
	"github.com/apitrack/apitrack-go/internal/metrics"
	"github.com/apitrack/apitrack-go/internal/resources"
)

// PathInfo describes one registered route of the monitored application.
type PathInfo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// AppInfo is the static application descriptor sent once on startup.
type AppInfo struct {
	Paths    []PathInfo        `json:"paths"`
	Versions map[string]string `json:"versions"`
	Client   string            `json:"client"`
}

// StartupPayload is the one-time application descriptor envelope.
type StartupPayload struct {
	InstanceUUID string `json:"instance_uuid"`
	MessageUUID  string `json:"message_uuid"`
	AppInfo
}

// SyncPayload is one periodic sync envelope with the drained aggregator
// snapshots. TimeOffset is the envelope's age in seconds at send time, so
// the hub can backdate re-queued envelopes.
type SyncPayload struct {
	InstanceUUID     string                          `json:"instance_uuid"`
	MessageUUID      string                          `json:"message_uuid"`
	Timestamp        float64                         `json:"timestamp"`
	TimeOffset       float64                         `json:"time_offset"`
	Requests         []metrics.RequestsItem          `json:"requests"`
	ValidationErrors []metrics.ValidationErrorsItem  `json:"validation_errors"`
	ServerErrors     []metrics.ServerErrorsItem      `json:"server_errors"`
	Consumers        []metrics.ConsumerItem          `json:"consumers"`
	KeyUsage         map[int64]int64                 `json:"key_usage,omitempty"`
	ResourceUsage    *resources.Sample               `json:"resource_usage,omitempty"`
}

// SyncResponse is the optional body of a 2xx hub response. When key sync is
// enabled for the client, the hub distributes the salt and digest table here.
type SyncResponse struct {
	Salt string                  `json:"salt"`
	Keys map[string]keys.KeyData `json:"keys"`
}
