// Package cache is an in-memory key/value store with per-category expiry and
// a reverse index from dependency tags to the keys stored under them.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Category classifies an entry and selects its TTL.
type Category string

const (
	List     Category = "list"
	Detail   Category = "detail"
	Messages Category = "messages"
	Config   Category = "config"
	Realtime Category = "realtime"
)

// TTLTable maps categories to their time-to-live. Unknown categories use Default.
type TTLTable struct {
	Default    time.Duration
	ByCategory map[Category]time.Duration
}

// TTL returns the lifetime of entries in cat.
func (t TTLTable) TTL(cat Category) time.Duration {
	if ttl, ok := t.ByCategory[cat]; ok {
		return ttl
	}
	return t.Default
}

// DefaultTTLs is the stock table: lists and details for minutes, messages
// briefly, configuration for an hour and real-time data not at all.
func DefaultTTLs() TTLTable {
	return TTLTable{
		Default: 5 * time.Minute,
		ByCategory: map[Category]time.Duration{
			List:     5 * time.Minute,
			Detail:   5 * time.Minute,
			Messages: time.Minute,
			Config:   time.Hour,
			Realtime: 0,
		},
	}
}

// Entry is one cached value.
type Entry struct {
	Key       string
	Value     any
	Category  Category
	CreatedAt time.Time
	Tags      []string
}

// Store is safe for concurrent use. A Set racing an Invalidate on one of
// its tags may keep or drop the entry; both outcomes converge once the
// entry expires.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	index   map[string]map[string]struct{}
	ttl     TTLTable
	clock   clockwork.Clock

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates an empty store. A nil clock uses the real clock.
func New(ttl TTLTable, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl.ByCategory == nil {
		ttl.ByCategory = map[Category]time.Duration{}
	}
	return &Store{
		entries: make(map[string]*Entry),
		index:   make(map[string]map[string]struct{}),
		ttl:     ttl,
		clock:   clock,
	}
}

// TTLs returns the store's TTL table.
func (s *Store) TTLs() TTLTable {
	return s.ttl
}

func (s *Store) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) >= s.ttl.TTL(e.Category)
}

// Get returns the value for key when present and unexpired. Expired entries
// are reported absent but stay in place until swept or overwritten. An entry
// expires under the shorter of its own category's TTL and cat's.
func (s *Store) Get(key string, cat Category) (any, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	now := s.clock.Now()
	if s.expired(e, now) || now.Sub(e.CreatedAt) >= s.ttl.TTL(cat) {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return e.Value, true
}

// GetAs is Get with a type assertion. A value of another type is a miss.
func GetAs[T any](s *Store, key string, cat Category) (T, bool) {
	var zero T
	v, ok := s.Get(key, cat)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Set stores value under key, replacing any prior entry, and registers key
// under each tag. Earlier tag registrations for key are left in place.
// Categories with a zero TTL are not stored.
func (s *Store) Set(key string, value any, cat Category, tags ...string) {
	if s.ttl.TTL(cat) <= 0 {
		return
	}
	e := &Entry{
		Key:       key,
		Value:     value,
		Category:  cat,
		CreatedAt: s.clock.Now(),
		Tags:      dedupe(tags),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	for _, tag := range e.Tags {
		bucket, ok := s.index[tag]
		if !ok {
			bucket = make(map[string]struct{})
			s.index[tag] = bucket
		}
		bucket[key] = struct{}{}
	}
}

// Invalidate removes every key registered under tag and drops the tag's
// bucket. It returns how many entries were actually removed.
func (s *Store) Invalidate(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.index[tag]
	if !ok {
		return 0
	}
	removed := 0
	for key := range bucket {
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
			removed++
		}
	}
	delete(s.index, tag)
	return removed
}

// Clear drops every entry and the whole index.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]*Entry)
	s.index = make(map[string]map[string]struct{})
	return n
}

// SweepExpired removes expired entries and prunes index references to keys
// that are no longer stored.
func (s *Store) SweepExpired() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, key)
			removed++
		}
	}
	for tag, bucket := range s.index {
		for key := range bucket {
			if _, ok := s.entries[key]; !ok {
				delete(bucket, key)
			}
		}
		if len(bucket) == 0 {
			delete(s.index, tag)
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
