// Package notify keeps per-session toast notifications that are updated in place by id.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the visual state of a notification.
type Kind string

const (
	KindLoading Kind = "loading"
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Notification is one toast.
type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	defaultTTL  = 8 * time.Second
	maxRetained = 20
)

// Center holds one user's notifications. Loading notifications stay until they are settled;
// settled ones expire after a short time.
type Center struct {
	mu    sync.Mutex
	items []Notification
	ttl   time.Duration
	now   func() time.Time
}

// NewCenter creates an empty Center.
func NewCenter() *Center {
	return &Center{ttl: defaultTTL, now: time.Now}
}

// Loading adds a loading notification and returns its id.
func (c *Center) Loading(message string) string {
	return c.set("", KindLoading, message)
}

// Success settles the notification with id, or adds a new one when id is empty or unknown.
func (c *Center) Success(id, message string) string {
	return c.set(id, KindSuccess, message)
}

// Error settles the notification with id as a failure, or adds a new one.
func (c *Center) Error(id, message string) string {
	return c.set(id, KindError, message)
}

// Info adds an informational notification.
func (c *Center) Info(message string) string {
	return c.set("", KindInfo, message)
}

// Dismiss removes a notification.
func (c *Center) Dismiss(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.items {
		if n.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

// List returns the live notifications, oldest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	out := make([]Notification, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Center) set(id string, kind Kind, message string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if id != "" {
		for i := range c.items {
			if c.items[i].ID == id {
				c.items[i].Kind = kind
				c.items[i].Message = message
				c.items[i].UpdatedAt = now
				return id
			}
		}
	} else {
		id = uuid.NewString()
	}

	c.items = append(c.items, Notification{ID: id, Kind: kind, Message: message, UpdatedAt: now})
	if len(c.items) > maxRetained {
		c.items = c.items[len(c.items)-maxRetained:]
	}
	return id
}

func (c *Center) expireLocked() {
	cutoff := c.now().Add(-c.ttl)
	kept := c.items[:0]
	for _, n := range c.items {
		if n.Kind == KindLoading || n.UpdatedAt.After(cutoff) {
			kept = append(kept, n)
		}
	}
	c.items = kept
}

// Hub hands out one Center per session key.
type Hub struct {
	mu      sync.Mutex
	centers map[string]*Center
	seen    map[string]time.Time
	now     func() time.Time
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		centers: make(map[string]*Center),
		seen:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// For returns the Center for key, creating it on first use.
func (h *Hub) For(key string) *Center {
	h.mu.Lock()
	defer h.mu.Unlock()
	center, ok := h.centers[key]
	if !ok {
		center = NewCenter()
		h.centers[key] = center
	}
	h.seen[key] = h.now()
	return center
}

// Remove drops the Center for key.
func (h *Hub) Remove(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.centers, key)
	delete(h.seen, key)
}

// Sweep drops centers that have not been used for longer than idle.
func (h *Hub) Sweep(idle time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-idle)
	removed := 0
	for key, seen := range h.seen {
		if seen.Before(cutoff) {
			delete(h.centers, key)
			delete(h.seen, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of sessions with a Center.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.centers)
}
