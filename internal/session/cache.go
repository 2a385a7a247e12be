package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/idgen"
)

type Config struct {
	// MaxMessages bounds the per-session memory tier (most-recent-N).
	MaxMessages int
	// TTL expires idle sessions out of the memory tier.
	TTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessages <= 0 {
		c.MaxMessages = 100
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	return c
}

type entry struct {
	messages []Message
	touched  time.Time
	// populated is set once the durable tier has been consulted, so an
	// empty session is not re-read on every call.
	populated bool
}

// Cache is the two-tier message history service: a bounded in-memory tier
// over the durable Backend. Durable failures never surface to callers; the
// cache flags degraded mode and keeps serving from memory.
type Cache struct {
	backend Backend
	cfg     Config
	log     zerolog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	degraded map[string]bool
}

func NewCache(backend Backend, cfg Config, log zerolog.Logger) *Cache {
	return &Cache{
		backend:  backend,
		cfg:      cfg.withDefaults(),
		log:      log,
		entries:  map[string]*entry{},
		degraded: map[string]bool{},
	}
}

// Append writes the message to the memory tier synchronously (the current
// turn sees it immediately), then attempts the durable write. It never
// fails.
func (c *Cache) Append(ctx context.Context, sessionID, role, content string, metadata map[string]any) Message {
	msg := Message{
		ID:        idgen.New(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	e := c.entries[sessionID]
	if e == nil {
		e = &entry{}
		c.entries[sessionID] = e
	}
	e.messages = append(e.messages, msg)
	if over := len(e.messages) - c.cfg.MaxMessages; over > 0 {
		e.messages = append([]Message(nil), e.messages[over:]...)
	}
	e.touched = time.Now()
	e.populated = true
	c.evictExpiredLocked()
	c.mu.Unlock()

	if err := c.backend.InsertMessage(ctx, msg); err != nil {
		c.noteDegraded(sessionID, "append", err)
	}
	return msg
}

// History returns the most recent min(limit, cached) messages in
// chronological order. Memory tier first; on miss it reads through from the
// durable tier and repopulates. A durable error returns whatever memory
// holds (possibly nothing) and flags degraded mode.
func (c *Cache) History(ctx context.Context, sessionID string, limit int) []Message {
	if limit <= 0 || limit > c.cfg.MaxMessages {
		limit = c.cfg.MaxMessages
	}

	c.mu.Lock()
	c.evictExpiredLocked()
	if e := c.entries[sessionID]; e != nil && e.populated {
		e.touched = time.Now()
		out := tail(e.messages, limit)
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()

	loaded, err := c.backend.ListMessages(ctx, sessionID, c.cfg.MaxMessages)
	if err != nil {
		c.noteDegraded(sessionID, "history", err)
		c.mu.Lock()
		var out []Message
		if e := c.entries[sessionID]; e != nil {
			out = tail(e.messages, limit)
		}
		c.mu.Unlock()
		return out
	}

	c.mu.Lock()
	e := c.entries[sessionID]
	if e == nil || !e.populated {
		// Keep anything appended while the read-through was in flight.
		var pending []Message
		if e != nil {
			pending = e.messages
		}
		merged := append(append([]Message(nil), loaded...), pending...)
		if over := len(merged) - c.cfg.MaxMessages; over > 0 {
			merged = merged[over:]
		}
		e = &entry{messages: merged, populated: true}
		c.entries[sessionID] = e
	}
	e.touched = time.Now()
	out := tail(e.messages, limit)
	c.mu.Unlock()
	return out
}

// RecordToolCall persists a tool call record, best effort.
func (c *Cache) RecordToolCall(ctx context.Context, rec ToolCallRecord) {
	if rec.CallID == "" {
		rec.CallID = idgen.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := c.backend.InsertToolCall(ctx, rec); err != nil {
		c.noteDegraded(rec.SessionID, "tool_call", err)
	}
}

func (c *Cache) ToolCalls(ctx context.Context, sessionID string, limit int) ([]ToolCallRecord, error) {
	return c.backend.ListToolCalls(ctx, sessionID, limit)
}

// Clear drops a session from both tiers.
func (c *Cache) Clear(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.entries, sessionID)
	delete(c.degraded, sessionID)
	c.mu.Unlock()
	return c.backend.DeleteSession(ctx, sessionID)
}

// Sweep applies the retention policy to the durable tier and drops expired
// memory entries.
func (c *Cache) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	c.evictExpiredLocked()
	c.mu.Unlock()
	return c.backend.SweepBefore(ctx, cutoff)
}

// Degraded reports whether the durable tier has failed for this session.
func (c *Cache) Degraded(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded[sessionID]
}

// noteDegraded logs the transition once per session, not once per call.
func (c *Cache) noteDegraded(sessionID, op string, err error) {
	c.mu.Lock()
	already := c.degraded[sessionID]
	c.degraded[sessionID] = true
	c.mu.Unlock()
	if !already {
		c.log.Warn().Str("session_id", sessionID).Str("op", op).Err(err).
			Msg("durable store unavailable, session degraded to memory-only")
	}
}

func (c *Cache) evictExpiredLocked() {
	now := time.Now()
	for id, e := range c.entries {
		if now.Sub(e.touched) > c.cfg.TTL {
			delete(c.entries, id)
		}
	}
}

func tail(messages []Message, limit int) []Message {
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}
