package mempool

import (
	"testing"
)

func TestNewRejectsTinyBlocks(t *testing.T) {
	if _, err := New("tiny", MinBlockSize-1, 4); err == nil {
		t.Fatal("expected error for block size below the link word")
	}
}

func TestNewRejectsBadCounts(t *testing.T) {
	if _, err := New("empty", 16, 0); err == nil {
		t.Fatal("expected error for zero block count")
	}
	if _, err := New("", 16, 4); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestAllocPrefersUnlinkedPrefix(t *testing.T) {
	p, err := New("prefix", 16, 4)
	if err != nil {
		t.Fatal(err)
	}
	s0, b0 := p.Alloc()
	s1, _ := p.Alloc()
	if s0 != 0 || s1 != 1 {
		t.Fatalf("expected sequential prefix slots, got %d then %d", s0, s1)
	}
	if len(b0) != 16 {
		t.Fatalf("expected 16-byte block, got %d", len(b0))
	}

	p.Free(s0)
	// Prefix still has blocks 2 and 3; the freed block must wait its turn.
	s2, _ := p.Alloc()
	if s2 != 2 {
		t.Fatalf("expected prefix slot 2 before free list reuse, got %d", s2)
	}
}

func TestFreeListReusesLIFO(t *testing.T) {
	p, err := New("lifo", 16, 2)
	if err != nil {
		t.Fatal(err)
	}
	s0, _ := p.Alloc()
	s1, _ := p.Alloc()
	p.Free(s0)
	p.Free(s1)

	got, _ := p.Alloc()
	if got != s1 {
		t.Fatalf("expected most recently freed slot %d, got %d", s1, got)
	}
	got, _ = p.Alloc()
	if got != s0 {
		t.Fatalf("expected slot %d from free list, got %d", s0, got)
	}
}

func TestExhaustionReturnsNil(t *testing.T) {
	p, err := New("full", 16, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s, b := p.Alloc(); s != 0 || b == nil {
		t.Fatalf("expected first alloc to succeed, got slot %d", s)
	}
	if s, b := p.Alloc(); s != -1 || b != nil {
		t.Fatalf("expected exhaustion, got slot %d", s)
	}
}

func TestFreeUnknownSlotPanics(t *testing.T) {
	p, err := New("guard", 16, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing a slot never handed out")
		}
	}()
	p.Free(2)
}

func TestIntegrityAcrossChurn(t *testing.T) {
	p, err := New("churn", 32, 8)
	if err != nil {
		t.Fatal(err)
	}
	slots := make([]int32, 0, 8)
	for i := 0; i < 8; i++ {
		s, b := p.Alloc()
		if b == nil {
			t.Fatalf("alloc %d failed", i)
		}
		slots = append(slots, s)
	}
	for _, s := range slots[:5] {
		p.Free(s)
	}
	var info Info
	if !p.Integrity(&info) {
		t.Fatal("integrity check failed after churn")
	}
	if info.FreeCount != 5 {
		t.Fatalf("expected 5 free blocks, got %d", info.FreeCount)
	}
	if info.InUse != 3 {
		t.Fatalf("expected 3 in use, got %d", info.InUse)
	}
	if info.HighWater != 8 {
		t.Fatalf("expected high water 8, got %d", info.HighWater)
	}
	if info.UnlinkedCount != 0 {
		t.Fatalf("expected no unlinked blocks, got %d", info.UnlinkedCount)
	}

	for _, s := range slots[5:] {
		p.Free(s)
	}
	if !p.Integrity(&info) {
		t.Fatal("integrity check failed after full drain")
	}
	if info.InUse != 0 || info.FreeCount != 8 {
		t.Fatalf("expected empty pool, got in-use %d free %d", info.InUse, info.FreeCount)
	}
}

func TestStatsTracksUnlinkedBlocks(t *testing.T) {
	p, err := New("stats", 16, 4)
	if err != nil {
		t.Fatal(err)
	}
	p.Alloc()
	info := p.Stats()
	if info.UnlinkedCount != 3 {
		t.Fatalf("expected 3 unlinked blocks, got %d", info.UnlinkedCount)
	}
	if info.InUse != 1 || info.HighWater != 1 {
		t.Fatalf("unexpected accounting: %+v", info)
	}
}
