package aggregation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaron8/sysmon-collector/collector/store"
	"github.com/yaron8/sysmon-collector/telemetrics"
)

// fakeClock is advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, historySize int) (*Service, *store.Store, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	st := store.NewStore(historySize)

	var (
		mu  sync.Mutex
		seq int
	)
	svc := NewService(st, DefaultConfig(),
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("rec-%d", seq)
		}),
	)

	return svc, st, clock
}

func mustIngest(t *testing.T, svc *Service, body string) telemetrics.MetricsRecord {
	t.Helper()
	rec, err := svc.Ingest([]byte(body))
	require.NoError(t, err)
	return rec
}

func TestIngest_LatestAndHistory(t *testing.T) {
	svc, st, clock := newTestService(t, 10)

	mustIngest(t, svc, `{"device_id":"host1","cpu_percent":55.2,"memory_percent":70}`)
	clock.Advance(5 * time.Second)
	mustIngest(t, svc, `{"device_id":"host1","cpu_percent":60.1,"memory_percent":72}`)

	latest, ok := st.GetLatest("host1")
	require.True(t, ok)
	require.NotNil(t, latest.CPUPercent)
	assert.Equal(t, 60.1, *latest.CPUPercent)

	history := st.GetHistory("host1", 10)
	require.Len(t, history, 2)
	assert.Equal(t, 60.1, *history[0].CPUPercent)
	assert.Equal(t, 55.2, *history[1].CPUPercent)
	assert.True(t, history[0].Timestamp.After(history[1].Timestamp))
}

func TestIngest_RecordShape(t *testing.T) {
	svc, _, clock := newTestService(t, 10)

	rec := mustIngest(t, svc, `{
		"device_id": "  snmp-10.0.0.1 ",
		"timestamp": "2026-10-19T11:59:58.5Z",
		"hostname": "core-sw",
		"device_type": "snmp",
		"cpu_percent": "42",
		"network_bytes_sent": 1000,
		"network_bytes_recv": "2000",
		"extra": {"sysUpTime": 123456, "sysDescr": "Cisco IOS"}
	}`)

	reported := time.Date(2026, 10, 19, 11, 59, 58, 500_000_000, time.UTC)
	want := telemetrics.MetricsRecord{
		RecordID:         "rec-1",
		DeviceID:         "snmp-10.0.0.1",
		Timestamp:        clock.Now(),
		ReportedAt:       &reported,
		Hostname:         "core-sw",
		DeviceType:       "snmp",
		CPUPercent:       telemetrics.Float64(42),
		NetworkBytesSent: telemetrics.Uint64(1000),
		NetworkBytesRecv: telemetrics.Uint64(2000),
		Extra:            map[string]any{"sysUpTime": 123456.0, "sysDescr": "Cisco IOS"},
	}

	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestIngest_MissingFieldsAreUnknownNotZero(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	rec := mustIngest(t, svc, `{"device_id":"host1","cpu_percent":0}`)

	require.NotNil(t, rec.CPUPercent)
	assert.Equal(t, 0.0, *rec.CPUPercent)
	assert.Nil(t, rec.MemoryPercent)
	assert.Nil(t, rec.DiskPercent)
	assert.Nil(t, rec.NetworkBytesSent)
	assert.Nil(t, rec.NetworkBytesRecv)
	assert.Nil(t, rec.ReportedAt)
}

func TestIngest_ClampsSlightlyOutOfRange(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	rec := mustIngest(t, svc, `{"device_id":"host1","cpu_percent":100.3,"memory_percent":-0.2,"disk_percent":null}`)

	assert.Equal(t, 100.0, *rec.CPUPercent)
	assert.Equal(t, 0.0, *rec.MemoryPercent)
	assert.Nil(t, rec.DiskPercent)
}

func TestIngest_NestedAgentLayout(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	rec := mustIngest(t, svc, `{
		"device_id": "laptop",
		"platform": "Linux",
		"metrics": {
			"cpu": {"usage_percent": 12.5, "status": "healthy"},
			"memory": {"usage_percent": 48},
			"disk": {"usage_percent": null},
			"network": {"bytes_sent": 10, "bytes_recv": 20}
		}
	}`)

	assert.Equal(t, "Linux", rec.Platform)
	assert.Equal(t, 12.5, *rec.CPUPercent)
	assert.Equal(t, 48.0, *rec.MemoryPercent)
	assert.Nil(t, rec.DiskPercent)
	assert.Equal(t, uint64(10), *rec.NetworkBytesSent)
	assert.Equal(t, uint64(20), *rec.NetworkBytesRecv)
}

func TestIngest_FlatFieldWinsOverNested(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	rec := mustIngest(t, svc, `{"device_id":"h","cpu_percent":1,"metrics":{"cpu":{"usage_percent":99}}}`)
	assert.Equal(t, 1.0, *rec.CPUPercent)
}

func TestIngest_ExponentCounter(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	rec := mustIngest(t, svc, `{"device_id":"h","network_bytes_sent":1.5e9}`)
	assert.Equal(t, uint64(1_500_000_000), *rec.NetworkBytesSent)
}

func TestIngest_NumericStrings(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	rec := mustIngest(t, svc, `{"device_id":"h","cpu_percent":"42.5","network_bytes_recv":" 2048 ","extra":{"temp_c":"-3.5e1"}}`)
	assert.Equal(t, 42.5, *rec.CPUPercent)
	assert.Equal(t, uint64(2048), *rec.NetworkBytesRecv)
	assert.Equal(t, "-3.5e1", rec.Extra["temp_c"])
}

func TestIngest_UnknownKeysAreIgnored(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	rec := mustIngest(t, svc, `{"device_id":"h","uptime_seconds":12,"metrics":{"cpu":{"usage_percent":5,"cores":8}}}`)
	assert.Equal(t, 5.0, *rec.CPUPercent)
}

func TestIngest_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		kind  ValidationKind
		field string
	}{
		{"missing device id", `{"cpu_percent":10}`, KindMissingDeviceID, ""},
		{"empty device id", `{"device_id":""}`, KindMissingDeviceID, ""},
		{"blank device id", `{"device_id":"   "}`, KindMissingDeviceID, ""},
		{"null device id", `{"device_id":null}`, KindMissingDeviceID, ""},
		{"numeric device id", `{"device_id":42}`, KindMalformedField, "device_id"},
		{"not json", `not json`, KindMalformedField, "payload"},
		{"json array", `[1,2]`, KindMalformedField, "payload"},
		{"cpu not numeric", `{"device_id":"h","cpu_percent":"high"}`, KindMalformedField, "cpu_percent"},
		{"cpu bool", `{"device_id":"h","cpu_percent":true}`, KindMalformedField, "cpu_percent"},
		{"cpu wildly negative", `{"device_id":"h","cpu_percent":-5}`, KindMalformedField, "cpu_percent"},
		{"memory wildly high", `{"device_id":"h","memory_percent":250}`, KindMalformedField, "memory_percent"},
		{"disk NaN string", `{"device_id":"h","disk_percent":"NaN"}`, KindMalformedField, "disk_percent"},
		{"negative counter", `{"device_id":"h","network_bytes_sent":-1}`, KindMalformedField, "network_bytes_sent"},
		{"fractional counter", `{"device_id":"h","network_bytes_recv":1.5}`, KindMalformedField, "network_bytes_recv"},
		{"bad timestamp", `{"device_id":"h","timestamp":"yesterday"}`, KindMalformedField, "timestamp"},
		{"extra not object", `{"device_id":"h","extra":[1]}`, KindMalformedField, "extra"},
		{"extra nested value", `{"device_id":"h","extra":{"oid":{"a":1}}}`, KindMalformedField, "extra.oid"},
		{"extra bool value", `{"device_id":"h","extra":{"up":true}}`, KindMalformedField, "extra.up"},
		{"nested cpu wrong type", `{"device_id":"h","metrics":{"cpu":5}}`, KindMalformedField, "metrics.cpu"},
		{"nested cpu out of range", `{"device_id":"h","metrics":{"cpu":{"usage_percent":300}}}`, KindMalformedField, "metrics.cpu_percent"},
		{"hostname not string", `{"device_id":"h","hostname":7}`, KindMalformedField, "hostname"},
		{"hex float string", `{"device_id":"h","cpu_percent":"0x1p6"}`, KindMalformedField, "cpu_percent"},
		{"underscore digits", `{"device_id":"h","network_bytes_sent":"1_000"}`, KindMalformedField, "network_bytes_sent"},
		{"infinity string", `{"device_id":"h","memory_percent":"Inf"}`, KindMalformedField, "memory_percent"},
		{"leading plus", `{"device_id":"h","disk_percent":"+5"}`, KindMalformedField, "disk_percent"},
		{"upper case device id key", `{"DEVICE_ID":"h"}`, KindMalformedField, "DEVICE_ID"},
		{"mixed case metric key", `{"device_id":"h","CPU_Percent":5}`, KindMalformedField, "CPU_Percent"},
		{"mixed case nested key", `{"device_id":"h","metrics":{"Disk":{"usage_percent":5}}}`, KindMalformedField, "metrics.Disk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, _ := newTestService(t, 10)
			mustIngest(t, svc, `{"device_id":"existing","cpu_percent":5}`)
			before := st.ListDevices()

			_, err := svc.Ingest([]byte(tt.body))
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %T", err)
			assert.Equal(t, tt.kind, verr.Kind)
			assert.Equal(t, tt.field, verr.Field)

			assert.Equal(t, before, st.ListDevices(), "rejected payload must not change the store")
			assert.Len(t, st.GetHistory("existing", 0), 1)
		})
	}
}

func TestIngest_PayloadTooLarge(t *testing.T) {
	st := store.NewStore(5)
	cfg := DefaultConfig()
	cfg.MaxPayloadBytes = 64
	svc := NewService(st, cfg)

	body := `{"device_id":"h","extra":{"pad":"` + strings.Repeat("x", 100) + `"}}`
	_, err := svc.Ingest([]byte(body))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindPayloadTooLarge, verr.Kind)
	assert.Empty(t, st.ListDevices())
}

func TestIngest_CollectorAssignsTimestamp(t *testing.T) {
	svc, _, clock := newTestService(t, 10)

	// producer clock far in the past must not make the device stale
	rec := mustIngest(t, svc, `{"device_id":"skewed","timestamp":"2001-01-01T00:00:00Z","cpu_percent":10}`)

	assert.Equal(t, clock.Now(), rec.Timestamp)
	summary := svc.LatestSummary()
	require.Len(t, summary.Devices, 1)
	assert.False(t, summary.Devices[0].IsStale)
}

func TestLatestSummary_AveragesExcludeStale(t *testing.T) {
	svc, _, clock := newTestService(t, 10)

	mustIngest(t, svc, `{"device_id":"B","cpu_percent":0,"memory_percent":10}`)
	clock.Advance(2 * time.Minute)
	mustIngest(t, svc, `{"device_id":"A","cpu_percent":80}`)

	view := svc.LatestSummary()

	assert.Equal(t, 2, view.TotalDevices)
	assert.Equal(t, 1, view.FreshCount)
	assert.Equal(t, 1, view.StaleCount)
	require.NotNil(t, view.AvgCPU)
	assert.Equal(t, 80.0, *view.AvgCPU)
	assert.Nil(t, view.AvgMemory, "only the stale device reported memory")
	assert.Nil(t, view.AvgDisk)

	require.Len(t, view.Devices, 2)
	assert.Equal(t, "A", view.Devices[0].DeviceID)
	assert.False(t, view.Devices[0].IsStale)
	assert.Equal(t, telemetrics.StatusHealthy, view.Devices[0].Status)
	assert.Equal(t, "B", view.Devices[1].DeviceID)
	assert.True(t, view.Devices[1].IsStale)
	assert.Equal(t, telemetrics.StatusOffline, view.Devices[1].Status)
	assert.Equal(t, 120.0, view.Devices[1].AgeSeconds)
}

func TestLatestSummary_UnknownExcludedFromAverages(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	mustIngest(t, svc, `{"device_id":"a","cpu_percent":30}`)
	mustIngest(t, svc, `{"device_id":"b"}`)

	view := svc.LatestSummary()
	assert.Equal(t, 30.0, *view.AvgCPU, "unknown must not count as 0")
	assert.Equal(t, HealthCounts{Healthy: 1, Unknown: 1}, view.Health)
}

func TestLatestSummary_FreshnessFlipsWithTime(t *testing.T) {
	svc, _, clock := newTestService(t, 10)
	mustIngest(t, svc, `{"device_id":"host1","cpu_percent":10}`)

	assert.Equal(t, 1, svc.LatestSummary().FreshCount)

	clock.Advance(svc.Config().StaleAfter)
	assert.Equal(t, 1, svc.LatestSummary().FreshCount, "exactly at the threshold is fresh")

	clock.Advance(time.Second)
	view := svc.LatestSummary()
	assert.Equal(t, 0, view.FreshCount)
	assert.Equal(t, 1, view.StaleCount)
	assert.Nil(t, view.AvgCPU)
}

func TestLatestSummary_TotalMatchesListDevices(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	view := svc.LatestSummary()
	assert.Equal(t, 0, view.TotalDevices)
	assert.NotNil(t, view.Devices)

	for i := 0; i < 7; i++ {
		mustIngest(t, svc, fmt.Sprintf(`{"device_id":"dev-%d","cpu_percent":%d}`, i, i*10))
	}
	assert.Equal(t, len(svc.ListDevices()), svc.LatestSummary().TotalDevices)

	require.True(t, svc.RemoveDevice("dev-3"))
	assert.False(t, svc.RemoveDevice("dev-3"))
	assert.Equal(t, len(svc.ListDevices()), svc.LatestSummary().TotalDevices)
	assert.Equal(t, 6, svc.LatestSummary().TotalDevices)
}

func TestStatus(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	tests := []struct {
		name  string
		rec   telemetrics.MetricsRecord
		stale bool
		want  telemetrics.HealthStatus
	}{
		{"stale", telemetrics.MetricsRecord{CPUPercent: telemetrics.Float64(10)}, true, telemetrics.StatusOffline},
		{"no data", telemetrics.MetricsRecord{}, false, telemetrics.StatusUnknown},
		{"healthy", telemetrics.MetricsRecord{CPUPercent: telemetrics.Float64(80)}, false, telemetrics.StatusHealthy},
		{"warning", telemetrics.MetricsRecord{DiskPercent: telemetrics.Float64(81)}, false, telemetrics.StatusWarning},
		{"critical wins", telemetrics.MetricsRecord{
			CPUPercent:    telemetrics.Float64(90),
			MemoryPercent: telemetrics.Float64(96),
		}, false, telemetrics.StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, svc.Status(tt.rec, tt.stale))
		})
	}
}

func TestLatestSummary_HealthCounts(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	mustIngest(t, svc, `{"device_id":"a","cpu_percent":10}`)
	mustIngest(t, svc, `{"device_id":"b","memory_percent":85}`)
	mustIngest(t, svc, `{"device_id":"c","disk_percent":99}`)

	assert.Equal(t, HealthCounts{Healthy: 1, Warning: 1, Critical: 1}, svc.LatestSummary().Health)
}

func TestLatestSummary_SystemStatus(t *testing.T) {
	svc, _, clock := newTestService(t, 10)

	assert.Equal(t, map[string]telemetrics.HealthStatus{
		SubsystemCompute: telemetrics.StatusUnknown,
		SubsystemMemory:  telemetrics.StatusUnknown,
		SubsystemStorage: telemetrics.StatusUnknown,
	}, svc.LatestSummary().SystemStatus)

	// Stale by the time the summary is built, so it must not count.
	mustIngest(t, svc, `{"device_id":"old","cpu_percent":99,"memory_percent":99,"disk_percent":99}`)
	clock.Advance(2 * time.Minute)

	mustIngest(t, svc, `{"device_id":"a","cpu_percent":10,"memory_percent":85}`)
	mustIngest(t, svc, `{"device_id":"b","cpu_percent":96,"memory_percent":20}`)
	mustIngest(t, svc, `{"device_id":"c","cpu_percent":50}`)

	view := svc.LatestSummary()
	assert.Equal(t, 1, view.StaleCount)
	assert.Equal(t, map[string]telemetrics.HealthStatus{
		SubsystemCompute: telemetrics.StatusCritical,
		SubsystemMemory:  telemetrics.StatusWarning,
		SubsystemStorage: telemetrics.StatusUnknown,
	}, view.SystemStatus)
}

func TestDeviceDetail(t *testing.T) {
	svc, _, clock := newTestService(t, 10)

	mustIngest(t, svc, `{"device_id":"host1","cpu_percent":55.2,"network_bytes_sent":1000,"network_bytes_recv":5000}`)
	clock.Advance(10 * time.Second)
	mustIngest(t, svc, `{"device_id":"host1","cpu_percent":60.1,"network_bytes_sent":3000,"network_bytes_recv":100}`)
	clock.Advance(10 * time.Second)
	mustIngest(t, svc, `{"device_id":"host1","cpu_percent":61,"network_bytes_sent":4000,"network_bytes_recv":600}`)

	detail, ok, err := svc.DeviceDetail("host1", 2)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "host1", detail.DeviceID)
	assert.Equal(t, 61.0, *detail.LatestRecord.CPUPercent)
	require.Len(t, detail.History, 2)
	assert.Equal(t, detail.LatestRecord, detail.History[0])

	require.NotNil(t, detail.NetworkRate)
	assert.Equal(t, 10.0, detail.NetworkRate.IntervalSeconds)
	assert.Equal(t, 100.0, *detail.NetworkRate.SentBytesPerSec)
	assert.Equal(t, 50.0, *detail.NetworkRate.RecvBytesPerSec)
	assert.False(t, detail.NetworkRate.CounterReset)
}

func TestDeviceDetail_CounterReset(t *testing.T) {
	svc, _, clock := newTestService(t, 10)

	mustIngest(t, svc, `{"device_id":"host1","network_bytes_sent":9000,"network_bytes_recv":9000}`)
	clock.Advance(5 * time.Second)
	mustIngest(t, svc, `{"device_id":"host1","network_bytes_sent":10,"network_bytes_recv":9500}`)

	detail, ok, err := svc.DeviceDetail("host1", 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NotNil(t, detail.NetworkRate)
	assert.True(t, detail.NetworkRate.CounterReset)
	assert.Nil(t, detail.NetworkRate.SentBytesPerSec)
	assert.Equal(t, 100.0, *detail.NetworkRate.RecvBytesPerSec)
}

func TestDeviceDetail_NoRateWithoutCounters(t *testing.T) {
	svc, _, clock := newTestService(t, 10)

	mustIngest(t, svc, `{"device_id":"host1","cpu_percent":1}`)
	clock.Advance(time.Second)
	mustIngest(t, svc, `{"device_id":"host1","cpu_percent":2}`)

	detail, ok, err := svc.DeviceDetail("host1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, detail.NetworkRate)
	assert.Len(t, detail.History, 2)
}

func TestDeviceDetail_UnknownIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	_, ok, err := svc.DeviceDetail("unknown-host", 10)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckRecord_InternalFault(t *testing.T) {
	svc, _, _ := newTestService(t, 10)

	err := svc.checkRecord("a", telemetrics.MetricsRecord{DeviceID: "b"})
	assert.ErrorIs(t, err, ErrInternalFault)
	assert.NoError(t, svc.checkRecord("a", telemetrics.MetricsRecord{DeviceID: "a"}))
}

func TestIngest_ConcurrentDevices(t *testing.T) {
	svc, st, _ := newTestService(t, 5)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				body := fmt.Sprintf(`{"device_id":"dev-%d","cpu_percent":%d}`, i, j)
				if _, err := svc.Ingest([]byte(body)); err != nil {
					t.Errorf("ingest failed: %v", err)
					return
				}
			}
		}(i)
	}

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for k := 0; k < 50; k++ {
			view := svc.LatestSummary()
			if view.FreshCount+view.StaleCount+len(view.SkippedDevices) != view.TotalDevices {
				t.Errorf("inconsistent summary: %+v", view)
				return
			}
		}
	}()

	wg.Wait()
	readers.Wait()

	assert.Equal(t, 20, st.Len())
	for i := 0; i < 20; i++ {
		latest, ok := st.GetLatest(fmt.Sprintf("dev-%d", i))
		require.True(t, ok)
		assert.Equal(t, 24.0, *latest.CPUPercent)
	}
}
