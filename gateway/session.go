package gateway

import (
	"container/list"
	"sync"
	"time"
)

// sessionCapacity bounds the diagnostic session cache.
const sessionCapacity = 5

// StreamSession describes one recently served stream, kept for diagnostics.
type StreamSession struct {
	ContentID string    `json:"contentId"`
	Source    string    `json:"source"` // "local" or "relay"
	Format    string    `json:"format"`
	Size      int64     `json:"size"`
	ServedAt  time.Time `json:"servedAt"`
}

// sessionCache is a small LRU over recently served streams. Re-serving a
// content id refreshes its recency instead of adding a duplicate.
type sessionCache struct {
	mu   sync.Mutex
	ll   *list.List
	byID map[string]*list.Element
}

func newSessionCache() *sessionCache {
	return &sessionCache{
		ll:   list.New(),
		byID: make(map[string]*list.Element),
	}
}

func (c *sessionCache) record(s StreamSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byID[s.ContentID]; ok {
		el.Value = s
		c.ll.MoveToFront(el)
		return
	}

	c.byID[s.ContentID] = c.ll.PushFront(s)
	if c.ll.Len() > sessionCapacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.byID, oldest.Value.(StreamSession).ContentID)
	}
}

// snapshot returns sessions from most to least recently served.
func (c *sessionCache) snapshot() []StreamSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]StreamSession, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(StreamSession))
	}
	return out
}
