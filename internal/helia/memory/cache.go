package memory

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Config holds configuration for the conversation Cache.
type Config struct {
	// Capacity is the maximum number of distinct conversations kept in the
	// cache. When exceeded, the least-recently-used conversation is evicted.
	// Default: 100.
	Capacity int

	// MaxMessages is the maximum number of messages kept per conversation.
	// When exceeded, the oldest messages are dropped (sliding window).
	// Default: 50.
	MaxMessages int
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:    100,
		MaxMessages: 50,
	}
}

// Loader fetches the most recent persisted messages for a conversation,
// already limited to the per-conversation cap, oldest first. Implemented by
// the session store; invoked only on a cache miss.
type Loader func(ctx context.Context) ([]Message, error)

// entry is one element of the recency list. The list runs from the
// least-recently-used conversation at the front to the most-recently-used
// at the back.
type entry struct {
	key  string
	conv *Conversation
}

// Cache is the process-wide LRU cache of conversation working sets.
// It is safe for concurrent use. Recency is updated only by Touch and by
// inserts, never by Get: "I looked" and "I used" are deliberately separate
// so the orchestrator controls when a turn counts against eviction order.
type Cache struct {
	mu      sync.Mutex
	config  Config
	order   *list.List               // *entry, LRU at front
	entries map[string]*list.Element // chat ID -> element in order
}

// NewCache creates a Cache with the given configuration.
func NewCache(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultConfig().MaxMessages
	}
	return &Cache{
		config:  cfg,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// MaxMessages returns the per-conversation message cap.
func (c *Cache) MaxMessages() int {
	return c.config.MaxMessages
}

// Touch marks the conversation as most-recently-used. No-op when the key is
// not cached. Constant-time structure update; no allocation, no I/O.
func (c *Cache) Touch(key string) {
	c.touchAt(key, time.Now())
}

// touchAt is the time-injectable core of Touch (for testing).
func (c *Cache) touchAt(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return
	}
	c.order.MoveToBack(el)
	el.Value.(*entry).conv.LastAccess = now
}

// Get returns a copy of the cached conversation, or ok == false when the
// key is not cached. Lookup does not affect recency ordering.
func (c *Cache) Get(key string) (*Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return snapshot(el.Value.(*entry).conv), true
}

// GetOrLoad returns the cached conversation for key, loading it through the
// provided loader on a miss. A freshly loaded conversation is inserted as
// most-recently-used. When the loader fails, nothing is inserted and the
// error is returned and the cache never holds a partial entry.
//
// The loader runs outside the cache lock (it performs I/O). If two callers
// race on a miss for the same key, the first insert wins and the loser's
// result is discarded; turn serialization upstream makes this rare.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load Loader) (*Conversation, error) {
	if conv, ok := c.Get(key); ok {
		return conv, nil
	}

	msgs, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) > c.config.MaxMessages {
		msgs = msgs[len(msgs)-c.config.MaxMessages:]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		return snapshot(el.Value.(*entry).conv), nil
	}

	conv := &Conversation{
		ChatID:     key,
		Messages:   append([]Message(nil), msgs...),
		LastAccess: time.Now(),
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, conv: conv})
	return snapshot(conv), nil
}

// EnforceCapacity evicts least-recently-used conversations until the cache
// is within its configured capacity. Insertion and eviction are decoupled
// so a turn pays the eviction cost once, after all its touches.
func (c *Cache) EnforceCapacity() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.entries) > c.config.Capacity {
		front := c.order.Front()
		if front == nil {
			return
		}
		c.order.Remove(front)
		delete(c.entries, front.Value.(*entry).key)
	}
}

// Remove unconditionally drops the conversation from the cache. Used when
// the owning chat session is deleted.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return
	}
	c.order.Remove(el)
	delete(c.entries, key)
}

// AppendMessage appends a message to the cached conversation and trims the
// window to the per-conversation cap, dropping the oldest excess. Silent
// no-op when the key is not cached: the next full load picks the message up
// from durable storage instead.
func (c *Cache) AppendMessage(key, role, content string) {
	c.appendMessageAt(key, role, content, time.Now())
}

// appendMessageAt is the time-injectable core of AppendMessage (for testing).
func (c *Cache) appendMessageAt(key, role, content string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return
	}
	conv := el.Value.(*entry).conv
	conv.Messages = append(conv.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
	if excess := len(conv.Messages) - c.config.MaxMessages; excess > 0 {
		conv.Messages = conv.Messages[excess:]
	}
}

// Len reports how many conversations are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// snapshot returns a deep copy of a conversation. Must be called with a
// stable view of conv (the cache lock held, or a value no longer shared).
func snapshot(conv *Conversation) *Conversation {
	cp := *conv
	cp.Messages = make([]Message, len(conv.Messages))
	copy(cp.Messages, conv.Messages)
	return &cp
}
