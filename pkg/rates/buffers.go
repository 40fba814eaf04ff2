package rates

import (
	"fmt"
	"sync"
)

// BufferInfo describes one aggregated timeframe buffer.
// While Full is false the aggregator backfills history. Once true it streams.
type BufferInfo struct {
	Enabled   bool    `json:"enabled"`
	Full      bool    `json:"full"`
	Timeframe int     `json:"timeframe"`
	ArraySize int     `json:"array_size"`
	Point     float64 `json:"point"`
	Digits    int     `json:"digits"`
}

// Rates is a fixed capacity window over a contiguous bar array.
// Index 0 is the oldest bar and Len()-1 the newest.
type Rates struct {
	Info   BufferInfo
	data   []Bar
	offset int
}

// Len returns the window capacity.
func (r *Rates) Len() int {
	return r.Info.ArraySize
}

// At returns a pointer to the bar at window index i.
func (r *Rates) At(i int) *Bar {
	return &r.data[r.offset+i]
}

// Bars returns a copy of the window.
func (r *Rates) Bars() []Bar {
	out := make([]Bar, r.Info.ArraySize)
	copy(out, r.data[r.offset:r.offset+r.Info.ArraySize])
	return out
}

// slide drops the oldest bar and opens an empty newest slot.
// When the spare room is used up the window is moved back to the front.
func (r *Rates) slide(extension int) {
	r.offset++
	if r.offset >= extension {
		copy(r.data, r.data[r.offset:r.offset+r.Info.ArraySize])
		r.offset = 0
	}
	r.data[r.offset+r.Info.ArraySize-1] = Bar{}
}

// RatesBuffers holds every timeframe buffer of one strategy instance.
type RatesBuffers struct {
	InstanceID int
	Rates      [MaxRatesBuffers]Rates
}

// BufferManager owns the rates buffers of all instances.
type BufferManager struct {
	mu        sync.Mutex
	instances map[int]*RatesBuffers
	capacity  int
	extension int
}

// NewBufferManager creates a manager for up to MaxInstances instances.
func NewBufferManager() *BufferManager {
	return &BufferManager{
		instances: make(map[int]*RatesBuffers),
		capacity:  MaxInstances,
		extension: DefaultBufferExtension,
	}
}

// SetExtendedBufferSize sets the spare bars allocated past each buffer's capacity.
// It only affects later allocations.
func (m *BufferManager) SetExtendedBufferSize(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	m.extension = n
	m.mu.Unlock()
}

// Allocate returns the buffers of instanceID, creating them from infos if the instance is new.
// An existing allocation is returned unchanged so backfill state survives between calls.
func (m *BufferManager) Allocate(instanceID int, infos [MaxRatesBuffers]BufferInfo) (*RatesBuffers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.instances[instanceID]; ok {
		return b, nil
	}
	if len(m.instances) >= m.capacity {
		return nil, fmt.Errorf("allocate rates for instance %d: %w", instanceID, ErrTooManyInstances)
	}

	b := &RatesBuffers{InstanceID: instanceID}
	for i, info := range infos {
		if !info.Enabled {
			continue
		}
		if info.ArraySize <= 0 {
			return nil, fmt.Errorf("allocate rates for instance %d slot %d: array size %d: %w",
				instanceID, i, info.ArraySize, ErrNotEnoughRatesData)
		}
		b.Rates[i] = Rates{
			Info: info,
			data: make([]Bar, info.ArraySize+m.extension),
		}
	}
	m.instances[instanceID] = b
	return b, nil
}

// Get returns the buffers of an allocated instance.
func (m *BufferManager) Get(instanceID int) (*RatesBuffers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %d: %w", instanceID, ErrUnknownInstanceID)
	}
	return b, nil
}

// IncrementOffset shifts one buffer by a bar, discarding its oldest slot.
func (m *BufferManager) IncrementOffset(instanceID, ratesIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.instances[instanceID]
	if !ok {
		return fmt.Errorf("increment rates offset for instance %d: %w", instanceID, ErrUnknownInstanceID)
	}
	r := &b.Rates[ratesIndex]
	if r.data == nil {
		return fmt.Errorf("increment rates offset for instance %d slot %d: %w", instanceID, ratesIndex, ErrNullPointer)
	}
	r.slide(len(r.data) - r.Info.ArraySize)
	return nil
}

// ResetInstance releases the buffers of one instance.
func (m *BufferManager) ResetInstance(instanceID int) {
	m.mu.Lock()
	delete(m.instances, instanceID)
	m.mu.Unlock()
}

// ResetAll releases every instance.
func (m *BufferManager) ResetAll() {
	m.mu.Lock()
	m.instances = make(map[int]*RatesBuffers)
	m.mu.Unlock()
}
