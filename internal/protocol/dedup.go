package protocol

import "sync"

// DefaultDedupWindow is the number of recent envelope IDs a [Dedup] keeps.
const DefaultDedupWindow = 64

// Dedup remembers a bounded window of envelope IDs. Messages that arrive on
// two paths (broadcast and window) carry the same ID and are seen once.
type Dedup struct {
	mu   sync.Mutex
	ids  []string
	set  map[string]struct{}
	next int
}

// NewDedup returns a dedup window of size ids.
func NewDedup(size int) *Dedup {
	if size <= 0 {
		size = DefaultDedupWindow
	}
	return &Dedup{ids: make([]string, size), set: make(map[string]struct{}, size)}
}

// Seen records id and reports whether it was already in the window. Empty
// IDs are never considered duplicates.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.set[id]; ok {
		return true
	}
	if old := d.ids[d.next]; old != "" {
		delete(d.set, old)
	}
	d.ids[d.next] = id
	d.set[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ids)
	return false
}
