package storage

import (
	"context"
	"sort"
	"sync"

	"table-reservations/internal/models"
)

type slotKey struct {
	resourceID string
	date       string
}

// MemoryLedger keeps bookings in process. All writes run under one mutex, so
// the overlap check and the insert can never interleave with another writer.
type MemoryLedger struct {
	mutex       sync.RWMutex
	bookings    map[string]*models.Booking
	byReference map[string]string
	bySlot      map[slotKey][]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		bookings:    make(map[string]*models.Booking),
		byReference: make(map[string]string),
		bySlot:      make(map[slotKey][]string),
	}
}

func (s *MemoryLedger) InsertIfAvailable(ctx context.Context, b *models.Booking) (*models.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.byReference[b.Reference]; exists {
		return nil, ErrDuplicateReference
	}
	key := slotKey{b.ResourceID, b.Window.Date}
	for _, id := range s.bySlot[key] {
		other := s.bookings[id]
		if other.Status.IsActive() && other.Window.Overlaps(b.Window) {
			return nil, ErrSlotConflict
		}
	}

	stored := b.Clone()
	s.bookings[stored.ID] = stored
	s.byReference[stored.Reference] = stored.ID
	s.bySlot[key] = append(s.bySlot[key], stored.ID)
	return stored.Clone(), nil
}

func (s *MemoryLedger) ApplyTransition(ctx context.Context, id string, mutate Mutation) (*models.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, exists := s.bookings[id]
	if !exists {
		return nil, ErrNotFound
	}
	draft := current.Clone()
	if err := mutate(draft); err != nil {
		return current.Clone(), err
	}
	s.bookings[id] = draft
	return draft.Clone(), nil
}

func (s *MemoryLedger) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	b, exists := s.bookings[id]
	if !exists {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryLedger) GetBookingByReference(ctx context.Context, reference string) (*models.Booking, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	id, exists := s.byReference[reference]
	if !exists {
		return nil, ErrNotFound
	}
	return s.bookings[id].Clone(), nil
}

func (s *MemoryLedger) ActiveBookings(ctx context.Context, resourceID, date string) ([]*models.Booking, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*models.Booking
	for _, id := range s.bySlot[slotKey{resourceID, date}] {
		if b := s.bookings[id]; b.Status.IsActive() {
			out = append(out, b.Clone())
		}
	}
	sortByWindow(out)
	return out, nil
}

func (s *MemoryLedger) ListBookings(ctx context.Context, filter models.BookingFilter) ([]*models.Booking, int, error) {
	filter = filter.Normalize()
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var matched []*models.Booking
	for _, b := range s.bookings {
		if filter.Matches(b) {
			matched = append(matched, b)
		}
	}
	sortByWindow(matched)

	total := len(matched)
	if filter.Offset >= total {
		return []*models.Booking{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	page := make([]*models.Booking, 0, end-filter.Offset)
	for _, b := range matched[filter.Offset:end] {
		page = append(page, b.Clone())
	}
	return page, total, nil
}

func (s *MemoryLedger) Close() error { return nil }

func sortByWindow(bs []*models.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		a, b := bs[i], bs[j]
		if a.Window.Date != b.Window.Date {
			return a.Window.Date < b.Window.Date
		}
		if a.Window.Start != b.Window.Start {
			return a.Window.Start < b.Window.Start
		}
		return a.ID < b.ID
	})
}

// MemoryCatalog serves resources and add-ons seeded at startup.
type MemoryCatalog struct {
	mutex     sync.RWMutex
	resources map[string]*models.Resource
	addOns    map[string]*models.AddOn
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		resources: make(map[string]*models.Resource),
		addOns:    make(map[string]*models.AddOn),
	}
}

func (c *MemoryCatalog) PutResource(r models.Resource) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.resources[r.ID] = &r
}

func (c *MemoryCatalog) PutAddOn(a models.AddOn) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.addOns[a.ID] = &a
}

func (c *MemoryCatalog) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	r, ok := c.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (c *MemoryCatalog) GetAddOn(ctx context.Context, id string) (*models.AddOn, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	a, ok := c.addOns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (c *MemoryCatalog) UpsertResource(_ context.Context, r models.Resource) error {
	c.PutResource(r)
	return nil
}

func (c *MemoryCatalog) UpsertAddOn(_ context.Context, a models.AddOn) error {
	c.PutAddOn(a)
	return nil
}
