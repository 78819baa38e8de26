package antirevoke

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCachePutGet(t *testing.T) {
	c := newMessageCache(time.Minute)
	c.put("m1", cachedMessage{Content: "hello", SenderID: "u1", ChatID: "g1", IsGroup: true})

	got, ok := c.get("m1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Content != "hello" || got.SenderID != "u1" || got.ChatID != "g1" || !got.IsGroup {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not stamped")
	}
}

func TestCacheGetIsPure(t *testing.T) {
	c := newMessageCache(time.Minute)
	c.put("m1", cachedMessage{Content: "hello"})
	for i := 0; i < 3; i++ {
		if _, ok := c.get("m1"); !ok {
			t.Fatalf("get %d: expected hit", i)
		}
	}
	if c.len() != 1 {
		t.Fatalf("len = %d, want 1", c.len())
	}
}

func TestCacheOverwrite(t *testing.T) {
	c := newMessageCache(time.Minute)
	c.put("m1", cachedMessage{Content: "first"})
	c.put("m1", cachedMessage{Content: "second"})

	got, ok := c.get("m1")
	if !ok || got.Content != "second" {
		t.Fatalf("got %+v ok=%v, want second", got, ok)
	}
	if c.len() != 1 {
		t.Fatalf("len = %d, want 1", c.len())
	}
}

func TestCacheEmptyID(t *testing.T) {
	c := newMessageCache(time.Minute)
	c.put("", cachedMessage{Content: "hello"})
	if c.len() != 0 {
		t.Fatal("empty id must not be stored")
	}
}

func TestCacheRemove(t *testing.T) {
	c := newMessageCache(time.Minute)
	c.put("m1", cachedMessage{Content: "hello"})
	c.remove("m1")
	if _, ok := c.get("m1"); ok {
		t.Fatal("expected miss after remove")
	}
	// absent id is a no-op
	c.remove("m1")
	c.remove("never-existed")
}

func TestCacheLazyExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newMessageCache(300 * time.Second)
	c.now = func() time.Time { return now }

	c.put("m1", cachedMessage{Content: "hello"})

	now = now.Add(299 * time.Second)
	if _, ok := c.get("m1"); !ok {
		t.Fatal("entry inside the window must hit")
	}

	now = now.Add(time.Second)
	if _, ok := c.get("m1"); ok {
		t.Fatal("entry at the window boundary must miss")
	}
	// lazy expiry does not remove
	if c.len() != 1 {
		t.Fatalf("len = %d, want 1 (sweep not run)", c.len())
	}
}

func TestCacheRemoveExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newMessageCache(300 * time.Second)
	c.now = func() time.Time { return now }

	c.put("old", cachedMessage{Content: "a"})
	now = now.Add(200 * time.Second)
	c.put("fresh", cachedMessage{Content: "b"})
	now = now.Add(150 * time.Second)

	if removed := c.removeExpired(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := c.get("fresh"); !ok {
		t.Fatal("fresh entry must survive the sweep")
	}
	if c.len() != 1 {
		t.Fatalf("len = %d, want 1", c.len())
	}
}

func TestCacheSetTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newMessageCache(time.Hour)
	c.now = func() time.Time { return now }

	c.put("m1", cachedMessage{Content: "hello"})
	now = now.Add(10 * time.Second)

	c.setTTL(5 * time.Second)
	if _, ok := c.get("m1"); ok {
		t.Fatal("shrinking the window must apply to existing entries")
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := newMessageCache(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("m-%d-%d", n, j)
				c.put(id, cachedMessage{Content: "x"})
				c.get(id)
				if j%3 == 0 {
					c.remove(id)
				}
			}
		}(i)
	}
	wg.Wait()
	c.removeExpired()
}
