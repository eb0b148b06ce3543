// Package store holds the latest metrics record and a bounded history per
// device, in memory. Nothing here performs I/O or starts goroutines.
package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yaron8/sysmon-collector/telemetrics"
)

const DefaultHistorySize = 60

// snapshot is the published state of one device. It is never modified after
// it is stored in deviceEntry.current; writers build a new one. Records in it
// are never handed out directly, readers get clones.
type snapshot struct {
	latest  telemetrics.MetricsRecord
	history []telemetrics.MetricsRecord // oldest first, len <= capacity
}

type deviceEntry struct {
	mu      sync.Mutex // serializes writers of this device
	removed bool       // guarded by mu
	current atomic.Pointer[snapshot]
}

// Store is safe for concurrent use. Each device is updated independently;
// readers never block.
type Store struct {
	devices  sync.Map // device id -> *deviceEntry
	count    atomic.Int64
	capacity int
}

// Entry is a consistent view of one device: History[0] is Latest.
type Entry struct {
	Latest  telemetrics.MetricsRecord
	History []telemetrics.MetricsRecord
}

func NewStore(historySize int) *Store {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}

	return &Store{capacity: historySize}
}

// Capacity is the per-device history size.
func (s *Store) Capacity() int {
	return s.capacity
}

// Upsert makes record the latest for its device and appends it to the
// device's history, dropping the oldest entry once the history is full.
// Records with an empty device id are ignored. The store keeps its own copy
// of record.
func (s *Store) Upsert(record telemetrics.MetricsRecord) {
	if record.DeviceID == "" {
		return
	}
	record = record.Clone()

	for {
		value, _ := s.devices.LoadOrStore(record.DeviceID, &deviceEntry{})
		entry := value.(*deviceEntry)

		entry.mu.Lock()
		if entry.removed {
			// Lost a race with Remove; register the device again.
			entry.mu.Unlock()
			continue
		}

		prev := entry.current.Load()
		if prev == nil {
			s.count.Add(1)
		}

		entry.current.Store(s.next(prev, record))
		entry.mu.Unlock()
		return
	}
}

func (s *Store) next(prev *snapshot, record telemetrics.MetricsRecord) *snapshot {
	var history []telemetrics.MetricsRecord
	if prev == nil {
		history = make([]telemetrics.MetricsRecord, 0, 1)
	} else {
		keep := prev.history
		if len(keep) >= s.capacity {
			keep = keep[len(keep)-s.capacity+1:]
		}
		history = make([]telemetrics.MetricsRecord, len(keep), len(keep)+1)
		copy(history, keep)
	}

	return &snapshot{
		latest:  record,
		history: append(history, record),
	}
}

func (s *Store) load(deviceID string) *snapshot {
	value, ok := s.devices.Load(deviceID)
	if !ok {
		return nil
	}

	return value.(*deviceEntry).current.Load()
}

// GetLatest returns the most recent record for deviceID. The second result
// is false if the device is unknown.
func (s *Store) GetLatest(deviceID string) (telemetrics.MetricsRecord, bool) {
	snap := s.load(deviceID)
	if snap == nil {
		return telemetrics.MetricsRecord{}, false
	}

	return snap.latest.Clone(), true
}

// GetHistory returns up to limit records for deviceID, newest first.
// limit <= 0 returns the whole history. Unknown devices yield an empty slice.
func (s *Store) GetHistory(deviceID string, limit int) []telemetrics.MetricsRecord {
	snap := s.load(deviceID)
	if snap == nil {
		return []telemetrics.MetricsRecord{}
	}

	return newestFirst(snap.history, limit)
}

// Entry returns latest and history from the same published snapshot.
func (s *Store) Entry(deviceID string, limit int) (Entry, bool) {
	snap := s.load(deviceID)
	if snap == nil {
		return Entry{}, false
	}

	return Entry{
		Latest:  snap.latest.Clone(),
		History: newestFirst(snap.history, limit),
	}, true
}

func newestFirst(history []telemetrics.MetricsRecord, limit int) []telemetrics.MetricsRecord {
	n := len(history)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]telemetrics.MetricsRecord, n)
	for i := 0; i < n; i++ {
		out[i] = history[len(history)-1-i].Clone()
	}

	return out
}

// ListDevices returns every known device id, sorted.
func (s *Store) ListDevices() []string {
	ids := make([]string, 0, s.count.Load())

	s.devices.Range(func(key, value any) bool {
		if value.(*deviceEntry).current.Load() != nil {
			ids = append(ids, key.(string))
		}
		return true
	})

	sort.Strings(ids)

	return ids
}

// Remove evicts a device. It reports whether the device existed.
func (s *Store) Remove(deviceID string) bool {
	value, ok := s.devices.LoadAndDelete(deviceID)
	if !ok {
		return false
	}

	entry := value.(*deviceEntry)
	entry.mu.Lock()
	entry.removed = true
	existed := entry.current.Load() != nil
	entry.mu.Unlock()

	if existed {
		s.count.Add(-1)
	}

	return existed
}

// Len is the number of known devices.
func (s *Store) Len() int {
	return int(s.count.Load())
}

// IsStale reports whether record is older than threshold at now. Staleness is
// always derived from the stored timestamp, never stored.
func IsStale(record telemetrics.MetricsRecord, now time.Time, threshold time.Duration) bool {
	return now.Sub(record.Timestamp) > threshold
}
