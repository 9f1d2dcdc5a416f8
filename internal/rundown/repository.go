package rundown

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Repository defines the concurrency-safe contract for reading and editing
// rundowns. Every returned value is a copy; callers may keep or mutate it.
type Repository interface {
	List() []*Rundown
	Get(id string) (*Rundown, error)
	Create(r Rundown) (*Rundown, error)
	Delete(id string) error
	SetLocked(id string, locked bool) error

	// AddItem appends an item to a rundown. Missing ids are generated.
	AddItem(rundownID string, it Item) (Item, error)
	// UpdateItem replaces the item with the given id, keeping its position.
	UpdateItem(itemID string, it Item) (Item, error)
	DeleteItem(itemID string) error

	// Item looks an item up across every rundown.
	Item(id string) (Item, bool)
	// Next returns the item that follows id in its rundown.
	Next(id string) (Item, bool)
	// First returns the first item of a rundown.
	First(rundownID string) (Item, bool)

	// Snapshot returns every rundown in order, for export.
	Snapshot() []*Rundown
	// Replace swaps the whole content after validating it, for import.
	Replace(rs []*Rundown) error
}

var (
	// ErrNotFound is returned for unknown rundown or item ids.
	ErrNotFound = errors.New("not found")

	// ErrLocked is returned when editing a locked rundown.
	ErrLocked = errors.New("rundown is locked")
)

// InMemoryRepository is a concurrency-safe Repository backed by a Store.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store

	// item id -> owning rundown id
	owner map[string]string

	onChange func()
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
// Rundowns already present in the store are indexed.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	r := &InMemoryRepository{store: store, owner: make(map[string]string)}
	for _, id := range store.ListRundownIDs() {
		rd, _ := store.GetRundown(id)
		for _, it := range rd.Items {
			r.owner[it.ID] = rd.ID
		}
	}
	return r
}

// OnChange registers fn to run after every successful mutation, outside the
// lock. Used for persisting to disk.
func (r *InMemoryRepository) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *InMemoryRepository) changed() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []*Rundown {
	return r.Snapshot()
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id string) (*Rundown, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rd, ok := r.store.GetRundown(id)
	if !ok {
		return nil, fmt.Errorf("rundown %q: %w", id, ErrNotFound)
	}
	return rd.Clone(), nil
}

// Create implements Repository.Create.
func (r *InMemoryRepository) Create(in Rundown) (*Rundown, error) {
	rd := in.Clone()
	if rd.ID == "" {
		rd.ID = uuid.NewString()
	}
	if strings.TrimSpace(rd.Name) == "" {
		rd.Name = "Rundown"
	}
	if rd.Items == nil {
		rd.Items = []Item{}
	}
	assignIDs(rd)

	r.mu.Lock()
	if _, exists := r.store.GetRundown(rd.ID); exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: rundown %q already exists", ErrInvalidItem, rd.ID)
	}
	if err := r.checkItemsLocked(rd.Items, ""); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.store.SetRundown(rd)
	for _, it := range rd.Items {
		r.owner[it.ID] = rd.ID
	}
	out := rd.Clone()
	r.mu.Unlock()

	r.changed()
	return out, nil
}

// Delete implements Repository.Delete.
func (r *InMemoryRepository) Delete(id string) error {
	r.mu.Lock()
	rd, ok := r.store.GetRundown(id)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("rundown %q: %w", id, ErrNotFound)
	}
	if rd.Locked {
		r.mu.Unlock()
		return ErrLocked
	}
	for _, it := range rd.Items {
		delete(r.owner, it.ID)
	}
	r.store.DeleteRundown(id)
	r.mu.Unlock()

	r.changed()
	return nil
}

// SetLocked implements Repository.SetLocked.
func (r *InMemoryRepository) SetLocked(id string, locked bool) error {
	r.mu.Lock()
	rd, ok := r.store.GetRundown(id)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("rundown %q: %w", id, ErrNotFound)
	}
	rd.Locked = locked
	r.mu.Unlock()

	r.changed()
	return nil
}

// AddItem implements Repository.AddItem.
func (r *InMemoryRepository) AddItem(rundownID string, in Item) (Item, error) {
	it := in.Clone()
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	assignOverlayIDs(&it)
	if err := it.Validate(); err != nil {
		return Item{}, err
	}

	r.mu.Lock()
	rd, ok := r.store.GetRundown(rundownID)
	if !ok {
		r.mu.Unlock()
		return Item{}, fmt.Errorf("rundown %q: %w", rundownID, ErrNotFound)
	}
	if rd.Locked {
		r.mu.Unlock()
		return Item{}, ErrLocked
	}
	if _, exists := r.owner[it.ID]; exists {
		r.mu.Unlock()
		return Item{}, fmt.Errorf("%w: duplicate item id %q", ErrInvalidItem, it.ID)
	}
	rd.Items = append(rd.Items, it)
	r.owner[it.ID] = rd.ID
	r.mu.Unlock()

	r.changed()
	return it.Clone(), nil
}

// UpdateItem implements Repository.UpdateItem.
func (r *InMemoryRepository) UpdateItem(itemID string, in Item) (Item, error) {
	it := in.Clone()
	it.ID = itemID
	assignOverlayIDs(&it)
	if err := it.Validate(); err != nil {
		return Item{}, err
	}

	r.mu.Lock()
	rd, idx, ok := r.locateLocked(itemID)
	if !ok {
		r.mu.Unlock()
		return Item{}, fmt.Errorf("item %q: %w", itemID, ErrNotFound)
	}
	if rd.Locked {
		r.mu.Unlock()
		return Item{}, ErrLocked
	}
	rd.Items[idx] = it
	r.mu.Unlock()

	r.changed()
	return it.Clone(), nil
}

// DeleteItem implements Repository.DeleteItem.
func (r *InMemoryRepository) DeleteItem(itemID string) error {
	r.mu.Lock()
	rd, idx, ok := r.locateLocked(itemID)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("item %q: %w", itemID, ErrNotFound)
	}
	if rd.Locked {
		r.mu.Unlock()
		return ErrLocked
	}
	rd.Items = append(rd.Items[:idx], rd.Items[idx+1:]...)
	delete(r.owner, itemID)
	r.mu.Unlock()

	r.changed()
	return nil
}

// Item implements Repository.Item.
func (r *InMemoryRepository) Item(id string) (Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rd, idx, ok := r.locateLocked(id)
	if !ok {
		return Item{}, false
	}
	return rd.Items[idx].Clone(), true
}

// Next implements Repository.Next.
func (r *InMemoryRepository) Next(id string) (Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rd, idx, ok := r.locateLocked(id)
	if !ok || idx+1 >= len(rd.Items) {
		return Item{}, false
	}
	return rd.Items[idx+1].Clone(), true
}

// First implements Repository.First.
func (r *InMemoryRepository) First(rundownID string) (Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rd, ok := r.store.GetRundown(rundownID)
	if !ok || len(rd.Items) == 0 {
		return Item{}, false
	}
	return rd.Items[0].Clone(), true
}

// Snapshot implements Repository.Snapshot.
func (r *InMemoryRepository) Snapshot() []*Rundown {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.ListRundownIDs()
	out := make([]*Rundown, 0, len(ids))
	for _, id := range ids {
		if rd, ok := r.store.GetRundown(id); ok {
			out = append(out, rd.Clone())
		}
	}
	return out
}

// Replace implements Repository.Replace. Nothing changes if any rundown is
// invalid.
func (r *InMemoryRepository) Replace(rs []*Rundown) error {
	next := make([]*Rundown, 0, len(rs))
	owner := make(map[string]string)
	seen := make(map[string]bool)
	for _, in := range rs {
		rd := in.Clone()
		if rd.ID == "" {
			rd.ID = uuid.NewString()
		}
		if seen[rd.ID] {
			return fmt.Errorf("%w: duplicate rundown id %q", ErrInvalidItem, rd.ID)
		}
		seen[rd.ID] = true
		if rd.Items == nil {
			rd.Items = []Item{}
		}
		assignIDs(rd)
		for _, it := range rd.Items {
			if err := it.Validate(); err != nil {
				return fmt.Errorf("rundown %q item %q: %w", rd.Name, it.ID, err)
			}
			if _, dup := owner[it.ID]; dup {
				return fmt.Errorf("%w: duplicate item id %q", ErrInvalidItem, it.ID)
			}
			owner[it.ID] = rd.ID
		}
		next = append(next, rd)
	}

	r.mu.Lock()
	for _, id := range r.store.ListRundownIDs() {
		r.store.DeleteRundown(id)
	}
	for _, rd := range next {
		r.store.SetRundown(rd)
	}
	r.owner = owner
	r.mu.Unlock()

	r.changed()
	return nil
}

// locateLocked finds an item by id. Caller must hold r.mu.
func (r *InMemoryRepository) locateLocked(itemID string) (*Rundown, int, bool) {
	rid, ok := r.owner[itemID]
	if !ok {
		return nil, 0, false
	}
	rd, ok := r.store.GetRundown(rid)
	if !ok {
		return nil, 0, false
	}
	for i := range rd.Items {
		if rd.Items[i].ID == itemID {
			return rd, i, true
		}
	}
	return nil, 0, false
}

// checkItemsLocked validates items and rejects ids already owned by another
// rundown. Caller must hold r.mu.
func (r *InMemoryRepository) checkItemsLocked(items []Item, rundownID string) error {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return err
		}
		if owner, exists := r.owner[it.ID]; (exists && owner != rundownID) || seen[it.ID] {
			return fmt.Errorf("%w: duplicate item id %q", ErrInvalidItem, it.ID)
		}
		seen[it.ID] = true
	}
	return nil
}

func assignIDs(rd *Rundown) {
	for i := range rd.Items {
		if rd.Items[i].ID == "" {
			rd.Items[i].ID = uuid.NewString()
		}
		assignOverlayIDs(&rd.Items[i])
	}
}

func assignOverlayIDs(it *Item) {
	for i := range it.Overlays {
		if it.Overlays[i].ID == "" {
			it.Overlays[i].ID = uuid.NewString()
		}
	}
}
