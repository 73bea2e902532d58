// Package historycache implements the bounded conversation history cache:
// an LRU of recent messages per conversation, hydrated from the CRM
// collaborator on a miss, consulted by the worker pool before a handler
// runs so it can see recent context without refetching on every message.
package historycache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// Role is the speaker of one history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Entry is one conversation history message.
type Entry struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Fetcher is the single CRM operation the cache needs on a miss.
// Declared locally so historycache has no import-time
// dependency on a specific CRM client implementation.
type Fetcher interface {
	FetchMessages(ctx context.Context, accountID, conversationID string, limit int) ([]Entry, error)
}

type entryList struct {
	id      string
	entries []Entry
}

// Cache is the conversation history cache: a fixed-capacity LRU of
// conversations, each holding up to maxPerConversation entries.
type Cache struct {
	fetcher            Fetcher
	capacity           int
	maxPerConversation int
	hydrateLimit       int

	mu    sync.Mutex
	ll    *list.List
	index map[string]*list.Element
}

// New builds a Cache holding up to capacity conversations, each bounded to
// maxPerConversation entries. hydrateLimit bounds the CRM fetch on a miss.
func New(fetcher Fetcher, capacity, maxPerConversation, hydrateLimit int) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	if maxPerConversation <= 0 {
		maxPerConversation = 20
	}
	if hydrateLimit <= 0 {
		hydrateLimit = maxPerConversation
	}
	return &Cache{
		fetcher:            fetcher,
		capacity:           capacity,
		maxPerConversation: maxPerConversation,
		hydrateLimit:       hydrateLimit,
		ll:                 list.New(),
		index:              make(map[string]*list.Element),
	}
}

// Get returns the cached history for conv, hydrating from the CRM
// collaborator on a miss.
func (c *Cache) Get(ctx context.Context, accountID, convID string) ([]Entry, error) {
	c.mu.Lock()
	if el, ok := c.index[convID]; ok {
		c.ll.MoveToFront(el)
		entries := append([]Entry(nil), el.Value.(*entryList).entries...)
		c.mu.Unlock()
		return entries, nil
	}
	c.mu.Unlock()

	var entries []Entry
	if c.fetcher != nil {
		fetched, err := c.fetcher.FetchMessages(ctx, accountID, convID, c.hydrateLimit)
		if err != nil {
			return nil, fmt.Errorf("historycache: hydrate %q: %w", convID, err)
		}
		entries = fetched
	}
	c.put(convID, entries)
	return entries, nil
}

func (c *Cache) put(convID string, entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[convID]; ok {
		el.Value.(*entryList).entries = entries
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entryList{id: convID, entries: entries})
	c.index[convID] = el
	c.evictIfNeeded()
}

func (c *Cache) evictIfNeeded() {
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			return
		}
		c.ll.Remove(oldest)
		delete(c.index, oldest.Value.(*entryList).id)
	}
}

// addEntry appends content as role to convID's history unless it is an
// exact duplicate of the last entry (same role and content).
func (c *Cache) addEntry(convID string, role Role, content string) {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[convID]
	if !ok {
		el = c.ll.PushFront(&entryList{id: convID})
		c.index[convID] = el
		c.evictIfNeeded()
	} else {
		c.ll.MoveToFront(el)
	}

	el2 := el.Value.(*entryList)
	if n := len(el2.entries); n > 0 {
		last := el2.entries[n-1]
		if last.Role == role && last.Content == content {
			return
		}
	}
	el2.entries = append(el2.entries, Entry{Role: role, Content: content, Timestamp: now})
	if len(el2.entries) > c.maxPerConversation {
		el2.entries = el2.entries[len(el2.entries)-c.maxPerConversation:]
	}
}

// AddUser appends a user message, deduplicating against the last entry.
func (c *Cache) AddUser(convID, content string) { c.addEntry(convID, RoleUser, content) }

// AddAssistant appends an assistant message, deduplicating against the
// last entry.
func (c *Cache) AddAssistant(convID, content string) { c.addEntry(convID, RoleAssistant, content) }

// Clear evicts a single conversation, e.g. after a flow-terminating action
// that makes cached context stale.
func (c *Cache) Clear(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[convID]; ok {
		c.ll.Remove(el)
		delete(c.index, convID)
	}
}

// ClearAll evicts every cached conversation.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.index = make(map[string]*list.Element)
}

// Len reports how many conversations are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}
