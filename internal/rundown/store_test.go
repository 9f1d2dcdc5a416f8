package rundown

import (
	"slices"
	"testing"
)

func TestInMemoryStore_GetSetRundown(t *testing.T) {
	store := NewInMemoryStore()

	_, ok := store.GetRundown("r1")
	if ok {
		t.Error("expected not found for empty store")
	}

	rd := &Rundown{ID: "r1", Name: "20H"}
	store.SetRundown(rd)

	got, ok := store.GetRundown("r1")
	if !ok || got != rd {
		t.Errorf("GetRundown: ok=%v, got %p want %p", ok, got, rd)
	}
}

func TestInMemoryStore_SetRundown_replacesInPlace(t *testing.T) {
	store := NewInMemoryStore()
	store.SetRundown(&Rundown{ID: "a"})
	store.SetRundown(&Rundown{ID: "b"})
	repl := &Rundown{ID: "a", Name: "replaced"}
	store.SetRundown(repl)

	got, _ := store.GetRundown("a")
	if got != repl {
		t.Errorf("SetRundown should replace: got %p want %p", got, repl)
	}
	if ids := store.ListRundownIDs(); !slices.Equal(ids, []string{"a", "b"}) {
		t.Errorf("replacement must keep position, got %v", ids)
	}
}

func TestInMemoryStore_DeleteRundown(t *testing.T) {
	store := NewInMemoryStore()
	store.SetRundown(&Rundown{ID: "a"})
	store.SetRundown(&Rundown{ID: "b"})
	store.SetRundown(&Rundown{ID: "c"})

	store.DeleteRundown("b")
	store.DeleteRundown("missing")

	if ids := store.ListRundownIDs(); !slices.Equal(ids, []string{"a", "c"}) {
		t.Errorf("ListRundownIDs after delete: %v", ids)
	}
	if _, ok := store.GetRundown("b"); ok {
		t.Error("deleted rundown still present")
	}
}

func TestNewInMemoryRepositoryWithStore_indexesExisting(t *testing.T) {
	store := NewInMemoryStore()
	store.SetRundown(&Rundown{ID: "r1", Items: []Item{
		{ID: "i1", Target: "A", Kind: KindVideo, Channel: 1, Layer: 10},
		{ID: "i2", Target: "B", Kind: KindVideo, Channel: 1, Layer: 10},
	}})
	repo := NewInMemoryRepositoryWithStore(store)

	next, ok := repo.Next("i1")
	if !ok || next.ID != "i2" {
		t.Errorf("Next(i1): ok=%v got %q", ok, next.ID)
	}
}
