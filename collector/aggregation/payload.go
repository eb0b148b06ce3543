package aggregation

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/yaron8/sysmon-collector/telemetrics"
)

// rawPayload keeps every field undecoded so each one can be validated with
// its own rules and reported by name.
type rawPayload struct {
	DeviceID   json.RawMessage `json:"device_id"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Hostname   json.RawMessage `json:"hostname"`
	Platform   json.RawMessage `json:"platform"`
	DeviceType json.RawMessage `json:"device_type"`

	CPUPercent    json.RawMessage `json:"cpu_percent"`
	MemoryPercent json.RawMessage `json:"memory_percent"`
	DiskPercent   json.RawMessage `json:"disk_percent"`

	NetworkBytesSent json.RawMessage `json:"network_bytes_sent"`
	NetworkBytesRecv json.RawMessage `json:"network_bytes_recv"`

	Extra json.RawMessage `json:"extra"`

	// Nested layout sent by older agents.
	Metrics *nestedMetrics `json:"metrics"`
}

type nestedUsage struct {
	UsagePercent json.RawMessage `json:"usage_percent"`
}

type nestedMetrics struct {
	CPU     nestedUsage `json:"cpu"`
	Memory  nestedUsage `json:"memory"`
	Disk    nestedUsage `json:"disk"`
	Network struct {
		BytesSent json.RawMessage `json:"bytes_sent"`
		BytesRecv json.RawMessage `json:"bytes_recv"`
	} `json:"network"`
}

// parser turns a raw payload into a record. It never touches the store.
type parser struct {
	epsilon float64
}

// fieldTree lists the payload keys by exact name; a nil subtree is a leaf.
type fieldTree map[string]fieldTree

var payloadFields = fieldTree{
	"device_id":   nil,
	"timestamp":   nil,
	"hostname":    nil,
	"platform":    nil,
	"device_type": nil,
	"extra":       nil,

	"cpu_percent":        nil,
	"memory_percent":     nil,
	"disk_percent":       nil,
	"network_bytes_sent": nil,
	"network_bytes_recv": nil,

	"metrics": {
		"cpu":    {"usage_percent": nil},
		"memory": {"usage_percent": nil},
		"disk":   {"usage_percent": nil},
		"network": {
			"bytes_sent": nil,
			"bytes_recv": nil,
		},
	},
}

// checkKeys rejects keys that differ from a known field only by case.
// encoding/json would otherwise bind them to that field. Other unknown keys
// are ignored, and values that are not objects are left to the decoder.
func checkKeys(raw []byte, fields fieldTree, prefix string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}

	for key, value := range obj {
		if sub, ok := fields[key]; ok {
			if sub != nil {
				if err := checkKeys(value, sub, prefix+key+"."); err != nil {
					return err
				}
			}
			continue
		}

		for name := range fields {
			if strings.EqualFold(key, name) {
				return malformed(prefix+key, "unknown field, expected %q", prefix+name)
			}
		}
	}

	return nil
}

func (p parser) parse(body []byte) (telemetrics.MetricsRecord, error) {
	if err := checkKeys(body, payloadFields, ""); err != nil {
		return telemetrics.MetricsRecord{}, err
	}

	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return telemetrics.MetricsRecord{}, malformed(typeErr.Field, "expected %s", typeErr.Type)
		}
		return telemetrics.MetricsRecord{}, malformed("payload", "not a JSON object: %v", err)
	}

	var (
		rec telemetrics.MetricsRecord
		err error
	)

	if rec.DeviceID, err = p.deviceID(raw.DeviceID); err != nil {
		return telemetrics.MetricsRecord{}, err
	}

	if rec.ReportedAt, err = p.timestamp(raw.Timestamp); err != nil {
		return telemetrics.MetricsRecord{}, err
	}

	for _, f := range []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"hostname", raw.Hostname, &rec.Hostname},
		{"platform", raw.Platform, &rec.Platform},
		{"device_type", raw.DeviceType, &rec.DeviceType},
	} {
		if *f.dst, err = p.optionalString(f.name, f.raw); err != nil {
			return telemetrics.MetricsRecord{}, err
		}
	}

	nested := raw.Metrics
	if nested == nil {
		nested = &nestedMetrics{}
	}

	for _, f := range []struct {
		name   string
		flat   json.RawMessage
		nested json.RawMessage
		dst    **float64
	}{
		{telemetrics.FieldCPUPercent, raw.CPUPercent, nested.CPU.UsagePercent, &rec.CPUPercent},
		{telemetrics.FieldMemoryPercent, raw.MemoryPercent, nested.Memory.UsagePercent, &rec.MemoryPercent},
		{telemetrics.FieldDiskPercent, raw.DiskPercent, nested.Disk.UsagePercent, &rec.DiskPercent},
	} {
		name, value := pick(f.name, f.flat, "metrics."+f.name, f.nested)
		if *f.dst, err = p.percent(name, value); err != nil {
			return telemetrics.MetricsRecord{}, err
		}
	}

	for _, f := range []struct {
		name   string
		flat   json.RawMessage
		nested json.RawMessage
		dst    **uint64
	}{
		{telemetrics.FieldNetworkBytesSent, raw.NetworkBytesSent, nested.Network.BytesSent, &rec.NetworkBytesSent},
		{telemetrics.FieldNetworkBytesRecv, raw.NetworkBytesRecv, nested.Network.BytesRecv, &rec.NetworkBytesRecv},
	} {
		name, value := pick(f.name, f.flat, "metrics."+f.name, f.nested)
		if *f.dst, err = p.counter(name, value); err != nil {
			return telemetrics.MetricsRecord{}, err
		}
	}

	if rec.Extra, err = p.extra(raw.Extra); err != nil {
		return telemetrics.MetricsRecord{}, err
	}

	return rec, nil
}

// pick prefers the flat field and falls back to the nested one.
func pick(flatName string, flat json.RawMessage, nestedName string, nested json.RawMessage) (string, json.RawMessage) {
	if !isNull(flat) {
		return flatName, flat
	}
	return nestedName, nested
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func (p parser) deviceID(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", missingDeviceID()
	}

	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", malformed("device_id", "must be a string")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return "", missingDeviceID()
	}

	return id, nil
}

func (p parser) optionalString(field string, raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", malformed(field, "must be a string")
	}

	return strings.TrimSpace(s), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // no zone: read as UTC
}

func (p parser) timestamp(raw json.RawMessage) (*time.Time, error) {
	s, err := p.optionalString("timestamp", raw)
	if err != nil || s == "" {
		return nil, err
	}

	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			ts = ts.UTC()
			return &ts, nil
		}
	}

	return nil, malformed("timestamp", "%q is not an ISO-8601 time", s)
}

// numericText returns the text of a JSON number or of a string holding one.
// Go-only forms such as "0x1p6", "1_000" or "Inf" are refused.
func numericText(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		trimmed = []byte(strings.TrimSpace(s))
	}

	if !isJSONNumber(trimmed) {
		return "", false
	}

	return string(trimmed), true
}

func isJSONNumber(text []byte) bool {
	if len(text) == 0 || (text[0] != '-' && (text[0] < '0' || text[0] > '9')) {
		return false
	}
	return json.Valid(text)
}

func (p parser) number(field string, raw json.RawMessage) (float64, error) {
	text, ok := numericText(raw)
	if !ok {
		return 0, malformed(field, "%s is not numeric", string(raw))
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, malformed(field, "%s is not numeric", string(raw))
	}

	return v, nil
}

// percent accepts values within epsilon of [0,100] and clamps them into
// range. Anything further out is rejected.
func (p parser) percent(field string, raw json.RawMessage) (*float64, error) {
	if isNull(raw) {
		return nil, nil
	}

	v, err := p.number(field, raw)
	if err != nil {
		return nil, err
	}

	if v < -p.epsilon || v > 100+p.epsilon {
		return nil, malformed(field, "%g is outside 0-100", v)
	}

	v = math.Min(math.Max(v, 0), 100)

	return &v, nil
}

func (p parser) counter(field string, raw json.RawMessage) (*uint64, error) {
	if isNull(raw) {
		return nil, nil
	}

	text, ok := numericText(raw)
	if !ok {
		return nil, malformed(field, "%s is not numeric", string(raw))
	}

	if v, err := strconv.ParseUint(text, 10, 64); err == nil {
		return &v, nil
	}

	// exponent form such as 1.5e9
	f, err := p.number(field, raw)
	if err != nil {
		return nil, err
	}
	if f < 0 || f != math.Trunc(f) || f >= math.MaxUint64 {
		return nil, malformed(field, "%s is not a non-negative integer", string(raw))
	}

	v := uint64(f)

	return &v, nil
}

func (p parser) extra(raw json.RawMessage) (map[string]any, error) {
	if isNull(raw) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, malformed("extra", "must be an object")
	}

	out := make(map[string]any, len(fields))
	for key, value := range fields {
		name := "extra." + key
		trimmed := bytes.TrimSpace(value)

		switch {
		case len(trimmed) > 0 && trimmed[0] == '"':
			var s string
			if err := json.Unmarshal(trimmed, &s); err != nil {
				return nil, malformed(name, "invalid string")
			}
			out[key] = s
		case len(trimmed) > 0 && (trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9')):
			v, err := p.number(name, trimmed)
			if err != nil {
				return nil, err
			}
			out[key] = v
		default:
			return nil, malformed(name, "must be a number or a string")
		}
	}

	return out, nil
}
