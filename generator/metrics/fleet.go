// Package metrics simulates a fleet of monitored hosts. Each tick moves every
// device's usage a small random step and advances its network counters.
package metrics

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/yaron8/sysmon-collector/telemetrics"
)

var platforms = []string{"Linux", "Windows", "Darwin"}

type device struct {
	id       string
	platform string
	cpu      float64
	memory   float64
	disk     float64
	sent     uint64
	recv     uint64
}

type Fleet struct {
	mu       sync.RWMutex
	rng      *rand.Rand
	devices  []*device
	snapshot []telemetrics.IngestPayload
	tickedAt time.Time
}

// NewFleet builds n simulated devices. A zero seed picks a time-based one.
func NewFleet(n int, seed int64) *Fleet {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	devices := make([]*device, n)
	for i := range devices {
		devices[i] = &device{
			id:       fmt.Sprintf("sim-host-%02d", i+1),
			platform: platforms[i%len(platforms)],
			cpu:      rng.Float64() * 60,
			memory:   20 + rng.Float64()*50,
			disk:     10 + rng.Float64()*70,
			sent:     uint64(rng.Int63n(1 << 30)),
			recv:     uint64(rng.Int63n(1 << 30)),
		}
	}

	return &Fleet{rng: rng, devices: devices}
}

func (f *Fleet) Size() int {
	return len(f.devices)
}

// Tick advances every device and returns one payload per device, timestamped
// with now.
func (f *Fleet) Tick(now time.Time) []telemetrics.IngestPayload {
	f.mu.Lock()
	defer f.mu.Unlock()

	ts := now.UTC().Format(time.RFC3339Nano)
	payloads := make([]telemetrics.IngestPayload, len(f.devices))

	for i, d := range f.devices {
		d.cpu = walk(f.rng, d.cpu, 8)
		d.memory = walk(f.rng, d.memory, 3)
		d.disk = walk(f.rng, d.disk, 0.5)
		d.sent += uint64(f.rng.Int63n(5 << 20))
		d.recv += uint64(f.rng.Int63n(20 << 20))

		payloads[i] = d.payload(ts)
	}

	f.snapshot = payloads
	f.tickedAt = now

	return payloads
}

// Snapshot returns the payloads of the last tick and when it happened.
func (f *Fleet) Snapshot() ([]telemetrics.IngestPayload, time.Time) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]telemetrics.IngestPayload, len(f.snapshot))
	copy(out, f.snapshot)
	return out, f.tickedAt
}

func (d *device) payload(ts string) telemetrics.IngestPayload {
	return telemetrics.IngestPayload{
		DeviceID:         d.id,
		Timestamp:        ts,
		Hostname:         d.id,
		Platform:         d.platform,
		DeviceType:       "simulated",
		CPUPercent:       telemetrics.Float64(round2(d.cpu)),
		MemoryPercent:    telemetrics.Float64(round2(d.memory)),
		DiskPercent:      telemetrics.Float64(round2(d.disk)),
		NetworkBytesSent: telemetrics.Uint64(d.sent),
		NetworkBytesRecv: telemetrics.Uint64(d.recv),
	}
}

// walk moves v by at most step in either direction, kept within 0-100.
func walk(rng *rand.Rand, v, step float64) float64 {
	v += (rng.Float64()*2 - 1) * step
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
