package peer

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTableUpsertReplaces(t *testing.T) {
	tbl := NewTable(TableOptions{TTL: time.Second})
	info := newInfo(t, "127.0.0.1:7001", 10, 1)
	if !tbl.Upsert(info) {
		t.Fatalf("expected first upsert to be new")
	}
	updated := info
	updated.SpareMiB = 99
	updated.Addr = "127.0.0.1:7002"
	if tbl.Upsert(updated) {
		t.Fatalf("expected second upsert to replace")
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected one entry per id, got %d", tbl.Len())
	}
	got, ok := tbl.Get(info.ID)
	if !ok || got != updated {
		t.Fatalf("expected latest announce to win, got %+v", got)
	}
}

func TestTableSweepEvictsStale(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tbl := NewTable(TableOptions{TTL: 5 * time.Second, Now: clock.Now})
	stale := newInfo(t, "127.0.0.1:7001", 1, 1)
	fresh := newInfo(t, "127.0.0.1:7002", 1, 1)

	tbl.Upsert(stale)
	clock.Advance(4 * time.Second)
	tbl.Upsert(fresh)
	clock.Advance(2 * time.Second)

	evicted := tbl.Sweep()
	if len(evicted) != 1 || evicted[0].ID != stale.ID {
		t.Fatalf("expected stale peer evicted, got %+v", evicted)
	}
	if _, ok := tbl.Get(stale.ID); ok {
		t.Fatalf("stale peer still present")
	}
	got, ok := tbl.Get(fresh.ID)
	if !ok || got != fresh {
		t.Fatalf("fresh peer should survive unchanged")
	}
}

func TestTableSweepKeepsBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tbl := NewTable(TableOptions{TTL: 5 * time.Second, Now: clock.Now})
	info := newInfo(t, "127.0.0.1:7001", 1, 1)
	tbl.Upsert(info)
	clock.Advance(5 * time.Second)
	if n := len(tbl.Sweep()); n != 0 {
		t.Fatalf("entry exactly at ttl should survive, evicted %d", n)
	}
	clock.Advance(time.Nanosecond)
	if n := len(tbl.Sweep()); n != 1 {
		t.Fatalf("entry past ttl should be evicted, evicted %d", n)
	}
}

func TestTableRefreshResetsAge(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tbl := NewTable(TableOptions{TTL: 5 * time.Second, Now: clock.Now})
	info := newInfo(t, "127.0.0.1:7001", 1, 1)
	tbl.Upsert(info)
	clock.Advance(4 * time.Second)
	tbl.Upsert(info)
	clock.Advance(4 * time.Second)
	if n := len(tbl.Sweep()); n != 0 {
		t.Fatalf("refreshed entry evicted")
	}
}

func TestTableListOrder(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tbl := NewTable(TableOptions{Now: clock.Now})
	a := newInfo(t, "127.0.0.1:7001", 1, 1)
	b := newInfo(t, "127.0.0.1:7002", 1, 1)
	tbl.Upsert(a)
	clock.Advance(time.Millisecond)
	tbl.Upsert(b)
	list := tbl.List()
	if len(list) != 2 || list[0].ID != b.ID || list[1].ID != a.ID {
		t.Fatalf("expected most recent first, got %+v", list)
	}
	list[0].SpareMiB = 1234
	if got, _ := tbl.Get(b.ID); got.SpareMiB == 1234 {
		t.Fatalf("List must return copies")
	}
	if _, ok := tbl.Get(NodeID{}); ok {
		t.Fatalf("unexpected entry for zero id")
	}
	if tbl.TTL() != DefaultTTL {
		t.Fatalf("expected default ttl, got %v", tbl.TTL())
	}
}

// Writers, sweepers and readers hammer the table the way the three
// directory loops do.
func TestTableRaceHarness(t *testing.T) {
	tbl := NewTable(TableOptions{TTL: 10 * time.Millisecond})
	infos := make([]Info, 16)
	for i := range infos {
		infos[i] = newInfo(t, fmt.Sprintf("127.0.0.1:%d", 10000+i), uint64(i), float32(i))
	}
	var wg sync.WaitGroup
	deadline := time.Now().Add(200 * time.Millisecond)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; time.Now().Before(deadline); i++ {
				tbl.Upsert(infos[(i+w)%len(infos)])
			}
		}(w)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for time.Now().Before(deadline) {
			_ = tbl.Sweep()
			time.Sleep(time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		for time.Now().Before(deadline) {
			if n := len(tbl.List()); n > len(infos) {
				t.Errorf("table grew past distinct ids: %d", n)
				return
			}
		}
	}()
	wg.Wait()
}
