package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memEntry struct {
	key     string
	value   []byte
	expires time.Time
	tags    []string
}

// Memory is a bounded in-process LRU cache. It is safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List
	items      map[string]*list.Element
	tags       map[string]map[string]struct{}
	now        func() time.Time
}

// NewMemory returns an LRU holding at most maxEntries keys. A non-positive
// maxEntries means unbounded.
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		tags:       make(map[string]map[string]struct{}),
		now:        time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return nil, ErrMiss
	}
	e := el.Value.(*memEntry)
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.removeElement(el)
		return nil, ErrMiss
	}
	m.ll.MoveToFront(el)
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		m.removeElement(el)
	}

	e := &memEntry{key: key, value: value, tags: tags}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.items[key] = m.ll.PushFront(e)
	for _, t := range tags {
		keys, ok := m.tags[t]
		if !ok {
			keys = make(map[string]struct{})
			m.tags[t] = keys
		}
		keys[key] = struct{}{}
	}

	for m.maxEntries > 0 && m.ll.Len() > m.maxEntries {
		m.removeElement(m.ll.Back())
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if el, ok := m.items[k]; ok {
			m.removeElement(el)
		}
	}
	return nil
}

func (m *Memory) InvalidateTags(_ context.Context, tags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tags {
		for k := range m.tags[t] {
			if el, ok := m.items[k]; ok {
				m.removeElement(el)
			}
		}
		delete(m.tags, t)
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

func (m *Memory) Close() error { return nil }

// removeElement must be called with mu held.
func (m *Memory) removeElement(el *list.Element) {
	e := el.Value.(*memEntry)
	m.ll.Remove(el)
	delete(m.items, e.key)
	for _, t := range e.tags {
		if keys, ok := m.tags[t]; ok {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(m.tags, t)
			}
		}
	}
}
