package capture

import "testing"

func TestGetOrCreateFreshness(t *testing.T) {
	s := NewStore()
	key := Key{Addr: 0x1000, EsID: 0}

	cbb, fresh := s.GetOrCreate(key)
	if !fresh {
		t.Fatal("first GetOrCreate should report fresh=true")
	}
	cbb.Term = 0xff // distinguish this CBB from a fresh zero-value one (any non-default InstrType)

	again, fresh := s.GetOrCreate(key)
	if fresh {
		t.Fatal("second GetOrCreate should report fresh=false")
	}
	if again != cbb {
		t.Fatal("second GetOrCreate should return the same *CBB")
	}
}

func TestPushPopLIFO(t *testing.T) {
	s := NewStore()
	a := Key{Addr: 1}
	b := Key{Addr: 2}
	s.Push(a)
	s.Push(b)

	got, ok := s.Pop()
	if !ok || got != b {
		t.Fatalf("Pop() = (%v, %v), want (%v, true)", got, ok, b)
	}
	got, ok = s.Pop()
	if !ok || got != a {
		t.Fatalf("Pop() = (%v, %v), want (%v, true)", got, ok, a)
	}
	if _, ok := s.Pop(); ok {
		t.Error("Pop() on an empty worklist should report ok=false")
	}
}

func TestPushOverflowPanics(t *testing.T) {
	s := NewStore()
	defer func() {
		if recover() == nil {
			t.Error("Push should panic once the worklist exceeds CaptureStackLen")
		}
	}()
	for i := 0; i <= CaptureStackLen; i++ {
		s.Push(Key{Addr: uint64(i)})
	}
}

func TestStoreLenAndReset(t *testing.T) {
	s := NewStore()
	s.GetOrCreate(Key{Addr: 1})
	s.GetOrCreate(Key{Addr: 2})
	if got := s.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	s.Reset()
	if got := s.Len(); got != 0 {
		t.Errorf("Len() after Reset = %d, want 0", got)
	}
}

func TestAllReturnsEveryCBB(t *testing.T) {
	s := NewStore()
	s.GetOrCreate(Key{Addr: 1})
	s.GetOrCreate(Key{Addr: 2})
	all := s.All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d CBBs, want 2", len(all))
	}
}
