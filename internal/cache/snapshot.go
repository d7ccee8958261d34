package cache

import (
	"encoding/json"
	"sort"

	"github.com/dustin/go-humanize"
)

// DebugSnapshot is an operational view of the store.
type DebugSnapshot struct {
	Stats           Stats          `json:"stats"`
	Entries         []EntryInfo    `json:"entries"`
	DependencyIndex map[string]int `json:"dependencyIndex"`
	Truncated       bool           `json:"truncated"`
}

type Stats struct {
	Entries int               `json:"entries"`
	Live    int               `json:"live"`
	Expired int               `json:"expired"`
	Tags    int               `json:"tags"`
	Hits    int64             `json:"hits"`
	Misses  int64             `json:"misses"`
	HitRate float64           `json:"hitRate"`
	TTL     map[string]string `json:"ttl"`
}

type EntryInfo struct {
	Key        string   `json:"key"`
	Category   Category `json:"category"`
	AgeSeconds float64  `json:"ageSeconds"`
	TTLSeconds float64  `json:"ttlSeconds"`
	Expired    bool     `json:"expired"`
	Tags       []string `json:"tags"`
	SizeBytes  int      `json:"sizeBytes"`
	Size       string   `json:"size"`
}

// Snapshot reports stats, up to limit entries sorted by key (limit <= 0
// means all) and the number of keys registered per tag.
func (s *Store) Snapshot(limit int) DebugSnapshot {
	now := s.clock.Now()
	s.mu.RLock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	index := make(map[string]int, len(s.index))
	for tag, bucket := range s.index {
		index[tag] = len(bucket)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	snap := DebugSnapshot{DependencyIndex: index}
	snap.Stats.Entries = len(entries)
	snap.Stats.Tags = len(index)
	snap.Stats.Hits = s.hits.Load()
	snap.Stats.Misses = s.misses.Load()
	if total := snap.Stats.Hits + snap.Stats.Misses; total > 0 {
		snap.Stats.HitRate = float64(snap.Stats.Hits) / float64(total)
	}
	snap.Stats.TTL = map[string]string{"default": s.ttl.Default.String()}
	for cat, ttl := range s.ttl.ByCategory {
		snap.Stats.TTL[string(cat)] = ttl.String()
	}

	for _, e := range entries {
		expired := s.expired(e, now)
		if expired {
			snap.Stats.Expired++
		} else {
			snap.Stats.Live++
		}
		if limit > 0 && len(snap.Entries) >= limit {
			snap.Truncated = true
			continue
		}
		size := approxSize(e.Value)
		snap.Entries = append(snap.Entries, EntryInfo{
			Key:        e.Key,
			Category:   e.Category,
			AgeSeconds: now.Sub(e.CreatedAt).Seconds(),
			TTLSeconds: s.ttl.TTL(e.Category).Seconds(),
			Expired:    expired,
			Tags:       append([]string(nil), e.Tags...),
			SizeBytes:  size,
			Size:       humanize.Bytes(uint64(size)),
		})
	}
	return snap
}

func approxSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
