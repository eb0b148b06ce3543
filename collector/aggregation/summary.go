package aggregation

import (
	"fmt"
	"time"

	"github.com/yaron8/sysmon-collector/collector/store"
	"github.com/yaron8/sysmon-collector/telemetrics"
)

type DeviceView struct {
	DeviceID     string                    `json:"device_id"`
	LatestRecord telemetrics.MetricsRecord `json:"latest_record"`
	IsStale      bool                      `json:"is_stale"`
	AgeSeconds   float64                   `json:"age_seconds"`
	Status       telemetrics.HealthStatus  `json:"status"`
}

// HealthCounts covers fresh devices only.
type HealthCounts struct {
	Healthy  int `json:"healthy"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Unknown  int `json:"unknown"`
}

// DashboardView is the cross-device summary. Averages include fresh devices
// that reported the field; they are nil when no such device exists.
type DashboardView struct {
	GeneratedAt  time.Time    `json:"generated_at"`
	TotalDevices int          `json:"total_devices"`
	FreshCount   int          `json:"fresh_count"`
	StaleCount   int          `json:"stale_count"`
	AvgCPU       *float64     `json:"avg_cpu"`
	AvgMemory    *float64     `json:"avg_memory"`
	AvgDisk      *float64     `json:"avg_disk"`
	Health       HealthCounts `json:"health"`
	Devices      []DeviceView `json:"devices"`
	// SystemStatus rolls fresh devices up per subsystem; the worst wins and
	// a subsystem no fresh device reports is unknown.
	SystemStatus map[string]telemetrics.HealthStatus `json:"system_status"`
	// SkippedDevices lists devices whose stored state failed a consistency
	// check. They count towards TotalDevices but nothing else.
	SkippedDevices []string `json:"skipped_devices,omitempty"`
}

// Subsystems of the system status rollup.
const (
	SubsystemCompute = "compute"
	SubsystemMemory  = "memory"
	SubsystemStorage = "storage"
)

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v *float64) {
	if v == nil {
		return
	}
	m.sum += *v
	m.n++
}

func (m mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

// LatestSummary reads every device independently; a device written while the
// summary is being built may or may not be reflected.
func (s *Service) LatestSummary() DashboardView {
	now := s.now().UTC()

	view := DashboardView{
		GeneratedAt: now,
		Devices:     []DeviceView{},
	}

	var cpu, memory, disk mean
	system := map[string]telemetrics.HealthStatus{
		SubsystemCompute: telemetrics.StatusUnknown,
		SubsystemMemory:  telemetrics.StatusUnknown,
		SubsystemStorage: telemetrics.StatusUnknown,
	}

	for _, id := range s.store.ListDevices() {
		latest, ok := s.store.GetLatest(id)
		if !ok {
			// removed since ListDevices
			continue
		}

		view.TotalDevices++

		if err := s.checkRecord(id, latest); err != nil {
			s.logger.Error().Err(err).Str("device_id", id).Msg("skipping device in summary")
			view.SkippedDevices = append(view.SkippedDevices, id)
			continue
		}

		dv := s.deviceView(id, latest, now)
		view.Devices = append(view.Devices, dv)

		if dv.IsStale {
			view.StaleCount++
			continue
		}

		view.FreshCount++
		cpu.add(latest.CPUPercent)
		memory.add(latest.MemoryPercent)
		disk.add(latest.DiskPercent)
		s.rollUp(system, SubsystemCompute, latest.CPUPercent)
		s.rollUp(system, SubsystemMemory, latest.MemoryPercent)
		s.rollUp(system, SubsystemStorage, latest.DiskPercent)

		switch dv.Status {
		case telemetrics.StatusHealthy:
			view.Health.Healthy++
		case telemetrics.StatusWarning:
			view.Health.Warning++
		case telemetrics.StatusCritical:
			view.Health.Critical++
		default:
			view.Health.Unknown++
		}
	}

	view.AvgCPU = cpu.value()
	view.AvgMemory = memory.value()
	view.AvgDisk = disk.value()
	view.SystemStatus = system

	return view
}

func (s *Service) rollUp(system map[string]telemetrics.HealthStatus, subsystem string, v *float64) {
	if v == nil {
		return
	}
	system[subsystem] = worse(system[subsystem], s.percentStatus(*v))
}

func (s *Service) deviceView(id string, latest telemetrics.MetricsRecord, now time.Time) DeviceView {
	stale := store.IsStale(latest, now, s.config.StaleAfter)

	return DeviceView{
		DeviceID:     id,
		LatestRecord: latest,
		IsStale:      stale,
		AgeSeconds:   now.Sub(latest.Timestamp).Seconds(),
		Status:       s.Status(latest, stale),
	}
}

func (s *Service) checkRecord(id string, rec telemetrics.MetricsRecord) error {
	if rec.DeviceID != id {
		return fmt.Errorf("%w: device %q holds a record for %q", ErrInternalFault, id, rec.DeviceID)
	}
	return nil
}

// NetworkRate is the throughput between the two newest records. A direction
// whose counter went down is reported as a reset with no rate.
type NetworkRate struct {
	IntervalSeconds float64  `json:"interval_seconds"`
	SentBytesPerSec *float64 `json:"sent_bytes_per_sec"`
	RecvBytesPerSec *float64 `json:"recv_bytes_per_sec"`
	CounterReset    bool     `json:"counter_reset"`
}

type DeviceDetail struct {
	DeviceView
	History     []telemetrics.MetricsRecord `json:"history"`
	NetworkRate *NetworkRate                `json:"network_rate,omitempty"`
}

// DeviceDetail returns the latest record and up to limit history entries,
// newest first (limit <= 0 means all). The bool is false for unknown devices.
// An error is returned only for ErrInternalFault.
func (s *Service) DeviceDetail(deviceID string, limit int) (DeviceDetail, bool, error) {
	entry, ok := s.store.Entry(deviceID, 0)
	if !ok {
		return DeviceDetail{}, false, nil
	}

	if err := s.checkRecord(deviceID, entry.Latest); err != nil {
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("device detail failed")
		return DeviceDetail{}, false, err
	}

	detail := DeviceDetail{
		DeviceView: s.deviceView(deviceID, entry.Latest, s.now().UTC()),
	}

	if len(entry.History) >= 2 {
		detail.NetworkRate = networkRate(entry.History[1], entry.History[0])
	}

	history := entry.History
	if limit > 0 && limit < len(history) {
		history = history[:limit]
	}
	detail.History = history

	return detail, true, nil
}

func networkRate(prev, cur telemetrics.MetricsRecord) *NetworkRate {
	interval := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if interval <= 0 {
		return nil
	}

	rate := &NetworkRate{IntervalSeconds: interval}
	var known bool

	for _, d := range []struct {
		prev, cur *uint64
		dst       **float64
	}{
		{prev.NetworkBytesSent, cur.NetworkBytesSent, &rate.SentBytesPerSec},
		{prev.NetworkBytesRecv, cur.NetworkBytesRecv, &rate.RecvBytesPerSec},
	} {
		if d.prev == nil || d.cur == nil {
			continue
		}
		known = true
		if *d.cur < *d.prev {
			rate.CounterReset = true
			continue
		}
		v := float64(*d.cur-*d.prev) / interval
		*d.dst = &v
	}

	if !known {
		return nil
	}

	return rate
}
