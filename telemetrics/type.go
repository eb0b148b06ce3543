package telemetrics

import "time"

// MetricsRecord is one observation for one device, as stored by the collector.
// Nil percent and counter fields mean the value is unknown, which is distinct
// from a reported 0. A record must not be modified once it has been stored.
type MetricsRecord struct {
	RecordID   string     `json:"record_id"`
	DeviceID   string     `json:"device_id"`
	Timestamp  time.Time  `json:"timestamp"`
	ReportedAt *time.Time `json:"reported_at,omitempty"`

	Hostname   string `json:"hostname,omitempty"`
	Platform   string `json:"platform,omitempty"`
	DeviceType string `json:"device_type,omitempty"`

	CPUPercent    *float64 `json:"cpu_percent"`
	MemoryPercent *float64 `json:"memory_percent"`
	DiskPercent   *float64 `json:"disk_percent"`

	NetworkBytesSent *uint64 `json:"network_bytes_sent"`
	NetworkBytesRecv *uint64 `json:"network_bytes_recv"`

	Extra map[string]any `json:"extra,omitempty"`
}

// IngestPayload is the body an agent posts to the collector.
type IngestPayload struct {
	DeviceID   string `json:"device_id"`
	Timestamp  string `json:"timestamp,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	Platform   string `json:"platform,omitempty"`
	DeviceType string `json:"device_type,omitempty"`

	CPUPercent    *float64 `json:"cpu_percent,omitempty"`
	MemoryPercent *float64 `json:"memory_percent,omitempty"`
	DiskPercent   *float64 `json:"disk_percent,omitempty"`

	NetworkBytesSent *uint64 `json:"network_bytes_sent,omitempty"`
	NetworkBytesRecv *uint64 `json:"network_bytes_recv,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// HealthStatus classifies a device for the dashboard.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
	StatusUnknown  HealthStatus = "unknown"
	StatusOffline  HealthStatus = "offline"
)

// Percent field names, as they appear on the wire.
const (
	FieldCPUPercent       = "cpu_percent"
	FieldMemoryPercent    = "memory_percent"
	FieldDiskPercent      = "disk_percent"
	FieldNetworkBytesSent = "network_bytes_sent"
	FieldNetworkBytesRecv = "network_bytes_recv"
)

// Percents returns the known usage percentages of the record keyed by field name.
func (r MetricsRecord) Percents() map[string]float64 {
	out := make(map[string]float64, 3)
	if r.CPUPercent != nil {
		out[FieldCPUPercent] = *r.CPUPercent
	}
	if r.MemoryPercent != nil {
		out[FieldMemoryPercent] = *r.MemoryPercent
	}
	if r.DiskPercent != nil {
		out[FieldDiskPercent] = *r.DiskPercent
	}
	return out
}

// Value looks up a single metric by name: a named field first, then extra.
// The second result is false when the metric is unknown for this record.
func (r MetricsRecord) Value(name string) (any, bool) {
	switch name {
	case FieldCPUPercent, FieldMemoryPercent, FieldDiskPercent:
		v, ok := r.Percents()[name]
		return v, ok
	case FieldNetworkBytesSent:
		if r.NetworkBytesSent == nil {
			return nil, false
		}
		return *r.NetworkBytesSent, true
	case FieldNetworkBytesRecv:
		if r.NetworkBytesRecv == nil {
			return nil, false
		}
		return *r.NetworkBytesRecv, true
	}

	v, ok := r.Extra[name]
	return v, ok
}

// Float64 and Uint64 return pointers, for building records and payloads.
func Float64(v float64) *float64 { return &v }

func Uint64(v uint64) *uint64 { return &v }

// Clone returns a deep copy of r. Pointer fields and Extra are not shared
// with the original.
func (r MetricsRecord) Clone() MetricsRecord {
	out := r

	if r.ReportedAt != nil {
		ts := *r.ReportedAt
		out.ReportedAt = &ts
	}
	if r.CPUPercent != nil {
		out.CPUPercent = Float64(*r.CPUPercent)
	}
	if r.MemoryPercent != nil {
		out.MemoryPercent = Float64(*r.MemoryPercent)
	}
	if r.DiskPercent != nil {
		out.DiskPercent = Float64(*r.DiskPercent)
	}
	if r.NetworkBytesSent != nil {
		out.NetworkBytesSent = Uint64(*r.NetworkBytesSent)
	}
	if r.NetworkBytesRecv != nil {
		out.NetworkBytesRecv = Uint64(*r.NetworkBytesRecv)
	}
	if r.Extra != nil {
		out.Extra = make(map[string]any, len(r.Extra))
		for k, v := range r.Extra {
			// values are validated to be strings or float64
			out.Extra[k] = v
		}
	}

	return out
}
