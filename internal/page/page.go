// Package page holds the readable content of the page the side panel sits
// next to, and remembers which content was already handed to each room.
package page

import (
	"context"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Source yields the current page as markdown. ok is false when the page has
// no readable content.
type Source interface {
	PageContent(ctx context.Context) (markdown string, ok bool, err error)
}

// Snapshot is a Source the host pushes extracted page content into.
type Snapshot struct {
	mu       sync.RWMutex
	url      string
	markdown string
}

func (s *Snapshot) Set(url, markdown string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url, s.markdown = url, markdown
}

func (s *Snapshot) Clear() {
	s.Set("", "")
}

func (s *Snapshot) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url
}

func (s *Snapshot) PageContent(context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markdown, s.markdown != "", nil
}

// Tracker records a murmur3 hash of the last content injected per room.
type Tracker struct {
	mu     sync.Mutex
	hashes map[string]uint32
}

func NewTracker() *Tracker {
	return &Tracker{hashes: make(map[string]uint32)}
}

// Changed reports whether content differs from what the room was last
// given.
func (t *Tracker) Changed(roomID, content string) bool {
	h := murmur3.Sum32([]byte(content))

	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.hashes[roomID]
	return !ok || prev != h
}

// Mark records content as handed to the room.
func (t *Tracker) Mark(roomID, content string) {
	h := murmur3.Sum32([]byte(content))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.hashes[roomID] = h
}

func (t *Tracker) Reset(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hashes, roomID)
}
