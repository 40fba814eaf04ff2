package rates

import (
	"fmt"
	"sync"
)

// TickVolume remembers the last source bar folded into each timeframe slot of one instance.
// A time of -1 means the slot has not merged anything yet.
type TickVolume struct {
	InstanceID int
	OldTime    [MaxRatesBuffers]int64
	OldVolume  [MaxRatesBuffers]float64
}

func newTickVolume(instanceID int) *TickVolume {
	v := &TickVolume{InstanceID: instanceID}
	for i := range v.OldTime {
		v.OldTime[i] = -1
		v.OldVolume[i] = -1
	}
	return v
}

// VolumeRegistry owns the per-instance tick volume entries.
// Entries are claimed on first use and never released until Reset.
// The zero value is ready to use.
type VolumeRegistry struct {
	mu       sync.Mutex
	entries  map[int]*TickVolume
	capacity int
}

// NewVolumeRegistry creates a registry holding at most MaxInstances entries.
func NewVolumeRegistry() *VolumeRegistry {
	return &VolumeRegistry{capacity: MaxInstances}
}

// Get returns the entry for instanceID, claiming a new one if the instance is unseen.
// The lock covers only the lookup; callers serialize merges per instance.
func (r *VolumeRegistry) Get(instanceID int) (*TickVolume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries == nil {
		r.entries = make(map[int]*TickVolume)
	}
	if v, ok := r.entries[instanceID]; ok {
		return v, nil
	}

	capacity := r.capacity
	if capacity <= 0 {
		capacity = MaxInstances
	}
	if len(r.entries) >= capacity {
		return nil, fmt.Errorf("claim tick volume entry for instance %d: %w", instanceID, ErrTooManyInstances)
	}

	v := newTickVolume(instanceID)
	r.entries[instanceID] = v
	return v, nil
}

// Len reports how many instances hold an entry.
func (r *VolumeRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reset releases every entry.
func (r *VolumeRegistry) Reset() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}
