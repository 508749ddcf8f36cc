package peer

import (
	"container/list"
	"sync"
	"time"
)

const DefaultTTL = 5 * time.Second

// Table holds the last announce seen from each peer. Entries are ordered by
// last-seen time, most recent first.
type Table struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	hot   map[NodeID]*list.Element
	order *list.List
}

type TableOptions struct {
	TTL time.Duration
	Now func() time.Time
}

type tableEntry struct {
	info     Info
	lastSeen time.Time
}

func NewTable(opts TableOptions) *Table {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Table{
		ttl:   ttl,
		now:   now,
		hot:   make(map[NodeID]*list.Element),
		order: list.New(),
	}
}

func (t *Table) TTL() time.Duration {
	return t.ttl
}

// Upsert replaces whatever the table held for info.ID and stamps it with
// the current time. It reports whether the peer was new.
func (t *Table) Upsert(info Info) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.hot[info.ID]; ok {
		ent := el.Value.(*tableEntry)
		ent.info = info
		ent.lastSeen = now
		t.order.MoveToFront(el)
		return false
	}
	t.hot[info.ID] = t.order.PushFront(&tableEntry{info: info, lastSeen: now})
	return true
}

// Sweep drops every entry whose age exceeds the TTL and returns them.
func (t *Table) Sweep() []Info {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []Info
	for el := t.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*tableEntry)
		if now.Sub(ent.lastSeen) <= t.ttl {
			el = prev
			continue
		}
		evicted = append(evicted, ent.info)
		delete(t.hot, ent.info.ID)
		t.order.Remove(el)
		el = prev
	}
	return evicted
}

func (t *Table) Get(id NodeID) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[id]
	if !ok {
		return Info{}, false
	}
	return el.Value.(*tableEntry).info, true
}

// List returns a copy of every entry, most recently seen first.
func (t *Table) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, 0, len(t.hot))
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*tableEntry).info)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hot)
}
