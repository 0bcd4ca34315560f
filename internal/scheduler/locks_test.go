package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// TestResourceLockManager_AllOrNothing verifies that a partially available set is not taken.
func TestResourceLockManager_AllOrNothing(t *testing.T) {
	mgr := NewResourceLockManager()

	if !mgr.TryAcquireAll("t1", "w1", []string{"db"}) {
		t.Fatal("expected t1 to acquire db")
	}
	if mgr.TryAcquireAll("t2", "w2", []string{"cache", "db"}) {
		t.Fatal("expected t2 to be refused while db is held")
	}
	if _, held := mgr.Holder("cache"); held {
		t.Error("cache must not be held after a refused acquisition")
	}
}

// TestResourceLockManager_ReacquireSameTask verifies that acquiring again for the same task succeeds.
func TestResourceLockManager_ReacquireSameTask(t *testing.T) {
	mgr := NewResourceLockManager()

	if !mgr.TryAcquireAll("t1", "w1", []string{"db"}) {
		t.Fatal("first acquisition failed")
	}
	if !mgr.TryAcquireAll("t1", "w1", []string{"db", "cache"}) {
		t.Fatal("re-acquisition by the holder failed")
	}
	holder, _ := mgr.Holder("cache")
	if holder != "t1" {
		t.Errorf("expected cache holder t1, got %q", holder)
	}
}

// TestResourceLockManager_ReleaseTask verifies release and per-worker views.
func TestResourceLockManager_ReleaseTask(t *testing.T) {
	mgr := NewResourceLockManager()
	mgr.TryAcquireAll("t1", "w1", []string{"b", "a"})
	mgr.TryAcquireAll("t2", "w2", []string{"c"})

	held := mgr.HeldBy("w1")
	if len(held) != 2 || held[0] != "a" || held[1] != "b" {
		t.Errorf("expected [a b] held by w1, got %v", held)
	}

	released := mgr.ReleaseTask("t1")
	if len(released) != 2 {
		t.Errorf("expected 2 released resources, got %v", released)
	}
	if len(mgr.HeldBy("w1")) != 0 {
		t.Error("w1 should hold nothing after release")
	}
	if !mgr.TryAcquireAll("t3", "w2", []string{"a"}) {
		t.Error("a should be free after release")
	}
}

// TestResourceLockManager_EmptySet verifies that tasks without resources always proceed.
func TestResourceLockManager_EmptySet(t *testing.T) {
	mgr := NewResourceLockManager()
	if !mgr.TryAcquireAll("t1", "w1", nil) {
		t.Error("empty resource set must always be granted")
	}
}

// TestResourceLockManager_ConcurrentContention verifies that exactly one contender wins.
func TestResourceLockManager_ConcurrentContention(t *testing.T) {
	mgr := NewResourceLockManager()
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if mgr.TryAcquireAll(fmt.Sprintf("t%d", i), "w", []string{"shared"}) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("expected exactly one winner, got %d", got)
	}
}
