// Package aggregation validates inbound metrics payloads before they reach
// the store, and builds the dashboard-facing views from stored state.
package aggregation

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yaron8/sysmon-collector/collector/store"
	"github.com/yaron8/sysmon-collector/logi"
	"github.com/yaron8/sysmon-collector/telemetrics"
)

type Config struct {
	// StaleAfter is how long a device may go without reporting before it is
	// considered stale.
	StaleAfter time.Duration
	// MaxPayloadBytes bounds the size of a single ingest payload.
	MaxPayloadBytes int
	// ClampEpsilon is how far outside 0-100 a percent may be and still be
	// clamped rather than rejected.
	ClampEpsilon float64
	// WarningPercent and CriticalPercent drive the health status.
	WarningPercent  float64
	CriticalPercent float64
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:      60 * time.Second,
		MaxPayloadBytes: 64 << 10,
		ClampEpsilon:    0.5,
		WarningPercent:  80,
		CriticalPercent: 95,
	}
}

type Service struct {
	store  *store.Store
	config Config
	parser parser
	now    func() time.Time
	newID  func() string
	logger zerolog.Logger
}

type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the record id generator, for tests.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(st *store.Store, cfg Config, opts ...Option) *Service {
	defaults := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaults.MaxPayloadBytes
	}
	if cfg.ClampEpsilon < 0 {
		cfg.ClampEpsilon = 0
	}
	if cfg.WarningPercent <= 0 {
		cfg.WarningPercent = defaults.WarningPercent
	}
	if cfg.CriticalPercent <= 0 {
		cfg.CriticalPercent = defaults.CriticalPercent
	}

	s := &Service{
		store:  st,
		config: cfg,
		parser: parser{epsilon: cfg.ClampEpsilon},
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
		logger: logi.WithComponent("aggregation"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Service) Config() Config {
	return s.config
}

// Ingest validates raw and stores the resulting record. The record is
// stamped with the collector's receipt time; a producer timestamp is kept in
// ReportedAt. On a *ValidationError nothing is stored.
func (s *Service) Ingest(raw []byte) (telemetrics.MetricsRecord, error) {
	if len(raw) > s.config.MaxPayloadBytes {
		return telemetrics.MetricsRecord{}, tooLarge(len(raw), s.config.MaxPayloadBytes)
	}

	rec, err := s.parser.parse(raw)
	if err != nil {
		return telemetrics.MetricsRecord{}, err
	}

	rec.RecordID = s.newID()
	rec.Timestamp = s.now().UTC()

	s.store.Upsert(rec)

	s.logger.Debug().
		Str("device_id", rec.DeviceID).
		Str("record_id", rec.RecordID).
		Msg("metrics ingested")

	return rec, nil
}

// Latest returns the latest record for a device; false if unknown.
func (s *Service) Latest(deviceID string) (telemetrics.MetricsRecord, bool) {
	return s.store.GetLatest(deviceID)
}

// ListDevices returns all known device ids.
func (s *Service) ListDevices() []string {
	return s.store.ListDevices()
}

// RemoveDevice evicts a device and reports whether it existed.
func (s *Service) RemoveDevice(deviceID string) bool {
	removed := s.store.Remove(deviceID)
	if removed {
		s.logger.Info().Str("device_id", deviceID).Msg("device removed")
	}
	return removed
}

// Status classifies a record. Stale devices are offline; otherwise the worst
// known percent decides, and a record with no known percent is unknown.
func (s *Service) Status(rec telemetrics.MetricsRecord, stale bool) telemetrics.HealthStatus {
	if stale {
		return telemetrics.StatusOffline
	}

	percents := rec.Percents()
	if len(percents) == 0 {
		return telemetrics.StatusUnknown
	}

	status := telemetrics.StatusHealthy
	for _, v := range percents {
		status = worse(status, s.percentStatus(v))
	}

	return status
}

func (s *Service) percentStatus(v float64) telemetrics.HealthStatus {
	switch {
	case v > s.config.CriticalPercent:
		return telemetrics.StatusCritical
	case v > s.config.WarningPercent:
		return telemetrics.StatusWarning
	default:
		return telemetrics.StatusHealthy
	}
}

var severity = map[telemetrics.HealthStatus]int{
	telemetrics.StatusUnknown:  0,
	telemetrics.StatusHealthy:  1,
	telemetrics.StatusWarning:  2,
	telemetrics.StatusCritical: 3,
}

// worse returns the more severe of a and b.
func worse(a, b telemetrics.HealthStatus) telemetrics.HealthStatus {
	if severity[b] > severity[a] {
		return b
	}
	return a
}
