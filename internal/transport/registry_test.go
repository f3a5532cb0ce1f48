package transport

import (
	"testing"
	"time"
)

func TestDeviceRegistryCanonicalizesKeys(t *testing.T) {
	r := NewDeviceRegistry()
	r.Upsert(Device{Callsign: "aa1bbb", Address: "10.0.0.5:5150"})

	d, ok := r.Get(" AA1bbb ")
	if !ok {
		t.Fatalf("expected lookup to hit regardless of case")
	}
	if d.Callsign != "AA1BBB" {
		t.Fatalf("expected stored callsign AA1BBB, got %q", d.Callsign)
	}
}

func TestDeviceRegistryUpsertMergesSparseUpdates(t *testing.T) {
	r := NewDeviceRegistry()
	seen := time.Now()
	r.Upsert(Device{
		Callsign: "AA1BBB",
		Address:  "10.0.0.5:5150",
		Metadata: map[string]string{"fw": "1.2"},
		LastSeen: seen,
	})
	r.Upsert(Device{Callsign: "AA1BBB"})

	d, _ := r.Get("AA1BBB")
	if d.Address != "10.0.0.5:5150" {
		t.Fatalf("sparse update wiped address: %q", d.Address)
	}
	if d.Metadata["fw"] != "1.2" {
		t.Fatalf("sparse update wiped metadata: %v", d.Metadata)
	}
	if !d.LastSeen.Equal(seen) {
		t.Fatalf("sparse update wiped last seen")
	}
}

func TestDeviceRegistryTouchCreatesBareEntry(t *testing.T) {
	r := NewDeviceRegistry()
	at := time.Now()
	r.Touch("cc3ddd", at)

	d, ok := r.Get("CC3DDD")
	if !ok {
		t.Fatalf("expected touch to create an entry")
	}
	if !d.LastSeen.Equal(at) {
		t.Fatalf("expected last seen %v, got %v", at, d.LastSeen)
	}
}

func TestDeviceRegistryListSorted(t *testing.T) {
	r := NewDeviceRegistry()
	r.Upsert(Device{Callsign: "ZZ9ZZZ"})
	r.Upsert(Device{Callsign: "AA1AAA"})
	r.Upsert(Device{Callsign: "MM5MMM"})

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(list))
	}
	if list[0].Callsign != "AA1AAA" || list[2].Callsign != "ZZ9ZZZ" {
		t.Fatalf("expected sorted order, got %v", list)
	}
}

func TestDeviceRegistryIgnoresEmptyCallsign(t *testing.T) {
	r := NewDeviceRegistry()
	r.Upsert(Device{Callsign: "   "})
	if r.Len() != 0 {
		t.Fatalf("expected empty callsign to be ignored")
	}
}
