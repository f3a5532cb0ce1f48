package transport

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Device is the last-known state of a remote station as seen by one
// channel.
type Device struct {
	Callsign string
	Address  string
	Metadata map[string]string
	LastSeen time.Time
}

// CanonicalCallsign normalizes a station identifier for use as a map key.
func CanonicalCallsign(callsign string) string {
	return strings.ToUpper(strings.TrimSpace(callsign))
}

// DeviceRegistry maps canonical callsigns to last-known address and
// metadata. Each transport owns one; lookups happen at send and
// reachability time.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]Device
}

func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{devices: make(map[string]Device)}
}

// Upsert merges a sparse update without wiping cached fields.
func (r *DeviceRegistry) Upsert(d Device) {
	key := CanonicalCallsign(d.Callsign)
	if key == "" {
		return
	}
	d.Callsign = key

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[key]
	if ok {
		if d.Address == "" {
			d.Address = existing.Address
		}
		if d.Metadata == nil {
			d.Metadata = existing.Metadata
		}
		if d.LastSeen.IsZero() {
			d.LastSeen = existing.LastSeen
		}
	}
	r.devices[key] = d
}

// Touch updates the last-seen timestamp for a known station, creating a
// bare entry when the station is new.
func (r *DeviceRegistry) Touch(callsign string, at time.Time) {
	key := CanonicalCallsign(callsign)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.devices[key]
	d.Callsign = key
	d.LastSeen = at
	r.devices[key] = d
}

func (r *DeviceRegistry) Get(callsign string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[CanonicalCallsign(callsign)]
	return d, ok
}

// List returns all known devices sorted by callsign.
func (r *DeviceRegistry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Callsign < out[j].Callsign })

	return out
}

func (r *DeviceRegistry) Remove(callsign string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, CanonicalCallsign(callsign))
}

func (r *DeviceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.devices)
}
