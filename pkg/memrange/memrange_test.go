package memrange

import "testing"

func TestRegistryLookupHitAndMiss(t *testing.T) {
	r := NewRegistry()
	r.Register(0x1000, 0x2000, KindConstantData)

	if kind, ok := r.Lookup(0x1500); !ok || kind != KindConstantData {
		t.Errorf("Lookup(0x1500) = (%v, %v), want (KindConstantData, true)", kind, ok)
	}
	if _, ok := r.Lookup(0x2000); ok {
		t.Error("Lookup(0x2000) should miss: Hi is exclusive")
	}
	if _, ok := r.Lookup(0x0fff); ok {
		t.Error("Lookup(0x0fff) should miss: below Lo")
	}
}

func TestRegistryMultipleRangesSortedByLo(t *testing.T) {
	r := NewRegistry()
	r.Register(0x5000, 0x6000, KindConstantData)
	r.Register(0x1000, 0x2000, KindConstantData)

	if _, ok := r.Lookup(0x1500); !ok {
		t.Error("Lookup(0x1500) should hit the lower range")
	}
	if _, ok := r.Lookup(0x5500); !ok {
		t.Error("Lookup(0x5500) should hit the higher range")
	}
}

func TestRegistryReset(t *testing.T) {
	r := NewRegistry()
	r.Register(0x1000, 0x2000, KindConstantData)
	r.Reset()
	if _, ok := r.Lookup(0x1500); ok {
		t.Error("Lookup after Reset should miss")
	}
}
