package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"stakebot/internal/eventbus"
	"stakebot/internal/storage"
	logx "stakebot/pkg/logx"
)

// DefaultDismissTime applies to items whose DismissTime is zero.
const DefaultDismissTime = time.Hour

const persistQueueSize = 256

type Options struct {
	DefaultDismissTime time.Duration
	Bus                eventbus.Bus
	// Storage persists dismissal windows across restarts. Optional.
	Storage storage.Store
	Logger  logx.Logger
	// Now is the clock Restore filters persisted windows with.
	Now func() time.Time
}

// Store owns the active notifications. All methods are safe for concurrent use.
//
// Two windows are tracked per key:
//   - Item.DismissTo: suppresses toasting.
//   - checked: suppresses re-fetching, including keys whose condition was false.
type Store struct {
	mu      sync.Mutex
	order   []Key
	items   map[Key]Item
	checked map[Key]time.Time
	pending map[Key]time.Time // restored dismissals for keys without an item yet

	defaultDismiss time.Duration
	bus            eventbus.Bus
	st             storage.Store
	log            logx.Logger
	now            func() time.Time
	persistCh      chan dismissalWrite
}

type dismissalWrite struct {
	key    Key
	until  time.Time
	delete bool
}

func NewStore(opts Options) *Store {
	s := &Store{
		items:          map[Key]Item{},
		checked:        map[Key]time.Time{},
		pending:        map[Key]time.Time{},
		defaultDismiss: opts.DefaultDismissTime,
		bus:            opts.Bus,
		st:             opts.Storage,
		log:            opts.Logger,
		now:            opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.defaultDismiss <= 0 {
		s.defaultDismiss = DefaultDismissTime
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.st != nil {
		s.persistCh = make(chan dismissalWrite, persistQueueSize)
	}
	return s
}

// SetDefaultDismissTime applies a hot-reloaded default.
func (s *Store) SetDefaultDismissTime(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.defaultDismiss = d
	s.mu.Unlock()
}

func (s *Store) DefaultDismissTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultDismiss
}

// Add inserts it. An existing item with the same key is replaced only when
// replace is true; the replacement inherits DismissTo and CreatedAt if unset.
func (s *Store) Add(it Item, replace bool) bool {
	if !it.Key.Valid() {
		return false
	}
	keepCreated := it.CreatedAt.IsZero()
	if keepCreated {
		it.CreatedAt = s.now()
	}

	s.mu.Lock()
	old, exists := s.items[it.Key]
	if exists && !replace {
		s.mu.Unlock()
		return false
	}
	typ := eventbus.NotificationAdded
	if exists {
		typ = eventbus.NotificationUpdated
		if it.DismissTo.IsZero() {
			it.DismissTo = old.DismissTo
		}
		if keepCreated {
			it.CreatedAt = old.CreatedAt
		}
	} else {
		if until, ok := s.pending[it.Key]; ok {
			if it.DismissTo.IsZero() {
				it.DismissTo = until
			}
			delete(s.pending, it.Key)
		}
		s.order = append(s.order, it.Key)
	}
	s.items[it.Key] = it
	s.mu.Unlock()

	s.publish(typ, it)
	return true
}

// Update replaces an existing item in place.
func (s *Store) Update(it Item) bool {
	s.mu.Lock()
	old, ok := s.items[it.Key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = old.CreatedAt
	}
	s.items[it.Key] = it
	s.mu.Unlock()

	s.publish(eventbus.NotificationUpdated, it)
	return true
}

// Remove deletes the item and its dismissal. The fetch window is kept.
func (s *Store) Remove(key Key) bool {
	s.mu.Lock()
	it, ok := s.items[key]
	if ok {
		delete(s.items, key)
		for i, k := range s.order {
			if k == key {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	_, hadPending := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()

	if (ok && !it.DismissTo.IsZero()) || hadPending {
		s.enqueue(dismissalWrite{key: key, delete: true})
	}
	if ok {
		s.publish(eventbus.NotificationRemoved, it)
	}
	return ok
}

// Dismiss sets DismissTo = now + DismissTime (or the default) and extends the
// fetch window to match.
func (s *Store) Dismiss(key Key, now time.Time) (Item, error) {
	s.mu.Lock()
	it, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return Item{}, ErrNotFound
	}
	if !it.CanBeDismissed {
		s.mu.Unlock()
		return it, ErrNotDismissable
	}
	d := it.DismissTime
	if d <= 0 {
		d = s.defaultDismiss
	}
	it.DismissTo = now.Add(d)
	s.items[key] = it
	if it.DismissTo.After(s.checked[key]) {
		s.checked[key] = it.DismissTo
	}
	s.mu.Unlock()

	s.enqueue(dismissalWrite{key: key, until: it.DismissTo})
	s.publish(eventbus.NotificationDismissed, it)
	return it, nil
}

// Snooze sets DismissTo = until regardless of CanBeDismissed.
func (s *Store) Snooze(key Key, until time.Time) bool {
	s.mu.Lock()
	it, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	it.DismissTo = until
	s.items[key] = it
	s.mu.Unlock()

	s.enqueue(dismissalWrite{key: key, until: until})
	s.publish(eventbus.NotificationUpdated, it)
	return true
}

func (s *Store) Get(key Key) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	return it, ok
}

// List returns a copy of the items in insertion order.
func (s *Store) List() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.items[k])
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// CheckExistAndExpired reports whether key has an item (or a restored
// dismissal waiting for one) and whether its window is over at now. A
// producer re-evaluates a key unless it exists and has not expired.
func (s *Store) CheckExistAndExpired(key Key, now time.Time) (exist, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exist = s.items[key]
	if until, ok := s.pending[key]; ok && now.Before(until) {
		exist = true
	}
	return exist, !s.freshLocked(key, now)
}

// Fresh reports whether key was checked, or dismissed, recently enough that a
// producer should not fetch it again at now.
func (s *Store) Fresh(key Key, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freshLocked(key, now)
}

func (s *Store) freshLocked(key Key, now time.Time) bool {
	if until, ok := s.checked[key]; ok && now.Before(until) {
		return true
	}
	if until, ok := s.pending[key]; ok && now.Before(until) {
		return true
	}
	it, ok := s.items[key]
	return ok && it.Suppressed(now)
}

// MarkChecked suppresses fetching key until until. It never shortens a window.
func (s *Store) MarkChecked(key Key, until time.Time) {
	s.mu.Lock()
	if until.After(s.checked[key]) {
		s.checked[key] = until
	}
	s.mu.Unlock()
}

// CheckedUntil returns the fetch window end for key (zero if never checked).
func (s *Store) CheckedUntil(key Key) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checked[key]
}

// Restore loads persisted dismissal windows. Windows for keys with an item are
// applied now; the rest wait for the item to be added. Each window also holds
// off fetching its key until it passes.
func (s *Store) Restore(ctx context.Context) error {
	if s.st == nil {
		return nil
	}
	m, err := s.st.LoadDismissals(ctx, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) {
			return nil
		}
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for raw, until := range m {
		key, err := ParseKey(raw)
		if err != nil {
			s.log.Debug("skipping persisted dismissal", logx.String("key", raw))
			continue
		}
		if until.After(s.checked[key]) {
			s.checked[key] = until
		}
		if it, ok := s.items[key]; ok {
			it.DismissTo = until
			s.items[key] = it
			continue
		}
		s.pending[key] = until
	}
	s.log.Debug("dismissals restored", logx.Int("count", len(m)))
	return nil
}

// RunPersist writes dismissal changes to storage until ctx ends.
func (s *Store) RunPersist(ctx context.Context) {
	if s.persistCh == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-s.persistCh:
			s.write(ctx, w)
		}
	}
}

// Flush drains queued dismissal writes synchronously.
func (s *Store) Flush(ctx context.Context) {
	if s.persistCh == nil {
		return
	}
	for {
		select {
		case w := <-s.persistCh:
			s.write(ctx, w)
		default:
			return
		}
	}
}

func (s *Store) write(ctx context.Context, w dismissalWrite) {
	wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	var err error
	if w.delete {
		err = s.st.DeleteDismissal(wctx, string(w.key))
	} else {
		err = s.st.PutDismissal(wctx, string(w.key), w.until)
	}
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		s.log.Warn("persist dismissal failed", logx.String("key", string(w.key)), logx.Err(err))
	}
}

func (s *Store) enqueue(w dismissalWrite) {
	if s.persistCh == nil {
		return
	}
	select {
	case s.persistCh <- w:
	default:
		s.log.Debug("dismissal write dropped (queue full)", logx.String("key", string(w.key)))
	}
}

func (s *Store) publish(typ string, it Item) {
	eventbus.Publish(s.bus, typ, Event{Key: it.Key, Level: it.Level, DismissTo: it.DismissTo})
}
