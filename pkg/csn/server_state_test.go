package csn

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestServerStateUpdate(t *testing.T) {
	s := NewServerState()

	if !s.Update(New(100, 2, 1)) {
		t.Fatal("first update must be accepted")
	}
	if s.Update(New(100, 1, 1)) {
		t.Error("older CSN must be rejected")
	}
	if s.Update(New(100, 2, 1)) {
		t.Error("same CSN must be rejected")
	}
	if got := s.CSN(1); got == nil || *got != New(100, 2, 1) {
		t.Errorf("CSN(1) = %v, want %v", got, New(100, 2, 1))
	}
	if !s.Update(New(101, 0, 1)) {
		t.Error("newer CSN must be accepted")
	}
	if s.CSN(2) != nil {
		t.Error("unknown replica must return nil")
	}
}

func TestServerStateCover(t *testing.T) {
	s := NewServerStateFrom(New(100, 5, 1))

	if !s.Cover(New(100, 5, 1)) {
		t.Error("state must cover its own CSN")
	}
	if !s.Cover(New(90, 9, 1)) {
		t.Error("state must cover older CSN")
	}
	if s.Cover(New(100, 6, 1)) {
		t.Error("state must not cover newer CSN")
	}
	if s.Cover(New(1, 1, 2)) {
		t.Error("state must not cover unknown replica")
	}
}

func TestServerStateDuplicateIsIndependent(t *testing.T) {
	s := NewServerStateFrom(New(100, 1, 1))
	dup := s.Duplicate()

	dup.Update(New(200, 2, 1))
	dup.Update(New(200, 1, 2))

	if got := s.CSN(1); *got != New(100, 1, 1) {
		t.Errorf("original changed to %v", got)
	}
	if s.Len() != 1 || dup.Len() != 2 {
		t.Errorf("Len() = %d/%d, want 1/2", s.Len(), dup.Len())
	}
}

func TestServerStateOrderedAccessors(t *testing.T) {
	s := NewServerStateFrom(New(1, 1, 3), New(1, 1, 1), New(1, 1, 2))

	ids := s.ServerIDs()
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Errorf("ServerIDs() = %v", ids)
	}
	csns := s.CSNs()
	if csns[0].ServerID != 1 || csns[2].ServerID != 3 {
		t.Errorf("CSNs() not ordered: %v", csns)
	}
}

func TestDiffChanges(t *testing.T) {
	latest := NewServerStateFrom(New(100, 10, 1), New(100, 5, 2))
	state := NewServerStateFrom(New(50, 4, 1))

	if got := DiffChanges(latest, state); got != 11 {
		t.Errorf("DiffChanges() = %d, want 11", got)
	}
	if got := DiffChanges(latest, latest.Duplicate()); got != 0 {
		t.Errorf("DiffChanges(same) = %d, want 0", got)
	}
	if got := DiffChanges(nil, state); got != 0 {
		t.Errorf("DiffChanges(nil) = %d, want 0", got)
	}
}

func TestServerStateJSON(t *testing.T) {
	s := NewServerStateFrom(New(100, 10, 1), New(200, 5, 2))

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	decoded := NewServerState()
	if err := json.Unmarshal(data, decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if !decoded.Equal(s) {
		t.Errorf("decoded %v, want %v", decoded, s)
	}
}

func TestServerStateConcurrentUpdates(t *testing.T) {
	s := NewServerState()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Update(New(1000, uint32(i*8+w), 1))
			}
		}(w)
	}
	wg.Wait()

	if got := s.CSN(1); got == nil || got.SeqNum != 499*8+7 {
		t.Errorf("final CSN = %v, want seq %d", got, 499*8+7)
	}
}

func TestGeneratorStrictlyIncreasing(t *testing.T) {
	g := NewGenerator(4, nil)
	fixed := time.UnixMilli(5000)
	g.now = func() time.Time { return fixed }

	prev := g.New()
	for i := 0; i < 1000; i++ {
		next := g.New()
		if !next.IsNewerThan(prev) {
			t.Fatalf("%v is not newer than %v", next, prev)
		}
		if next.ServerID != 4 {
			t.Fatalf("server id = %d", next.ServerID)
		}
		prev = next
	}
}

func TestGeneratorAdjust(t *testing.T) {
	g := NewGenerator(1, nil)
	g.now = func() time.Time { return time.UnixMilli(10) }

	remote := New(500, 77, 2)
	g.Adjust(remote)
	if next := g.New(); !next.IsNewerThan(remote) {
		t.Errorf("%v is not newer than adjusted %v", next, remote)
	}

	seeded := NewGenerator(1, NewServerStateFrom(New(900, 12, 1)))
	seeded.now = func() time.Time { return time.UnixMilli(10) }
	if next := seeded.New(); next.SeqNum != 13 || next.Time != 900 {
		t.Errorf("seeded New() = %+v", next)
	}
}
