package kv

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

// MemoryStore is a single-process Store used when no KV URL is configured
// (core.buildKVStore), and as a fast backend in unit tests. It implements the same
// atomicity contract as RedisStore under a single mutex. IsAvailable always
// returns true — it is itself the fallback, never the thing that degrades.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memEntry
	zsets   map[string]map[string]float64
}

// NewMemoryStore creates an empty MemoryStore; it starts no background
// pruner (see Prune).
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		strings: make(map[string]memEntry),
		zsets:   make(map[string]map[string]float64),
	}
	return s
}

func (s *MemoryStore) expired(e memEntry, now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Prune removes expired keys. Intended to be called once a minute by a
// background goroutine owned by the caller (e.g. the lock manager), so the
// store never self-schedules work.
func (s *MemoryStore) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, e := range s.strings {
		if s.expired(e, now) {
			delete(s.strings, k)
		}
	}
}

func (s *MemoryStore) IsAvailable() bool { return true }
func (s *MemoryStore) Close() error      { return nil }

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || s.expired(e, time.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = s.newEntry(value, ttl)
	return nil
}

func (s *MemoryStore) newEntry(value string, ttl time.Duration) memEntry {
	if ttl <= 0 {
		return memEntry{value: value}
	}
	return memEntry{value: value, expires: time.Now().Add(ttl)}
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.strings[key]; ok && !s.expired(e, time.Now()) {
		return false, nil
	}
	s.strings[key] = s.newEntry(value, ttl)
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || s.expired(e, time.Now()) || e.value != expected {
		return false, nil
	}
	delete(s.strings, key)
	return true, nil
}

func (s *MemoryStore) CompareAndExpire(_ context.Context, key, expected string, newTTL time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || s.expired(e, time.Now()) || e.value != expected {
		return false, nil
	}
	s.strings[key] = s.newEntry(expected, newTTL)
	return true, nil
}

func (s *MemoryStore) IncrementBy(_ context.Context, key string, delta int64, ttlIfNew time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	e, ok := s.strings[key]
	var cur int64
	isNew := !ok || s.expired(e, now)
	if !isNew {
		cur, _ = strconv.ParseInt(e.value, 10, 64)
	}
	cur += delta
	ne := memEntry{value: strconv.FormatInt(cur, 10)}
	if isNew && ttlIfNew > 0 {
		ne.expires = now.Add(ttlIfNew)
	} else if !isNew {
		ne.expires = e.expires
	}
	s.strings[key] = ne
	return cur, nil
}

func (s *MemoryStore) ScanByPrefix(_ context.Context, prefix string, pageSize int64, cursor string) (ScanPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var all []string
	for k, e := range s.strings {
		if s.expired(e, now) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			all = append(all, k)
		}
	}
	sort.Strings(all)

	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	if start >= len(all) {
		return ScanPage{}, nil
	}
	end := start + int(pageSize)
	if end > len(all) || pageSize <= 0 {
		end = len(all)
	}
	page := all[start:end]
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	return ScanPage{Keys: page, Cursor: next}, nil
}

func (s *MemoryStore) ZAddDelayed(_ context.Context, zset string, score float64, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zsets[zset] == nil {
		s.zsets[zset] = make(map[string]float64)
	}
	s.zsets[zset][value] = score
	return nil
}

func (s *MemoryStore) ZPopMin(_ context.Context, zset string, maxScore float64, count int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.zsets[zset]
	if len(members) == 0 {
		return nil, nil
	}
	type pair struct {
		member string
		score  float64
	}
	var eligible []pair
	for m, sc := range members {
		if sc <= maxScore {
			eligible = append(eligible, pair{m, sc})
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].score < eligible[j].score })
	if count > 0 && int64(len(eligible)) > count {
		eligible = eligible[:count]
	}
	out := make([]string, len(eligible))
	for i, p := range eligible {
		out[i] = p.member
		delete(members, p.member)
	}
	return out, nil
}
