package broker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/parley-ai/parley/pkg/executor"
	"github.com/parley-ai/parley/pkg/store"
)

func newTestPool(t *testing.T) (*Pool, *atomic.Int32) {
	t.Helper()
	ds := store.NewDirStore(t.TempDir())
	var created atomic.Int32
	factory := func(sessionKey string) executor.TurnExecutor {
		created.Add(1)
		return executor.NewScripted()
	}
	return NewPool(ds, factory, nil, "off", nil), &created
}

func TestPoolGetOrOpenCoalesces(t *testing.T) {
	pool, created := newTestPool(t)
	defer pool.Shutdown()

	sess, err := pool.Create()
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	key := sess.Key()
	created.Store(0)

	// Drop the pooled instance so every goroutine races to re-open it.
	pool.mu.Lock()
	delete(pool.sessions, key)
	pool.mu.Unlock()

	const goroutines = 32
	results := make([]*Session, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := pool.GetOrOpen(key)
			if err != nil {
				t.Errorf("GetOrOpen failed: %v", err)
				return
			}
			results[i] = got
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if results[i] != results[0] {
			t.Fatalf("Goroutine %d got a different session instance", i)
		}
	}
	if n := created.Load(); n != 1 {
		t.Errorf("Expected exactly 1 executor constructed, got %d", n)
	}
}

func TestPoolGetOrOpenReturnsSameInstance(t *testing.T) {
	pool, _ := newTestPool(t)
	defer pool.Shutdown()

	sess, err := pool.Create()
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	again, err := pool.GetOrOpen(sess.Key())
	if err != nil {
		t.Fatalf("GetOrOpen failed: %v", err)
	}
	if again != sess {
		t.Error("Expected the pooled instance, got a new one")
	}
}

func TestPoolGetOrOpenUnknownKey(t *testing.T) {
	pool, _ := newTestPool(t)
	defer pool.Shutdown()

	if _, err := pool.GetOrOpen("/no/such/session"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestPoolDeleteRemovesLiveAndDurable(t *testing.T) {
	pool, _ := newTestPool(t)
	defer pool.Shutdown()

	sess, err := pool.Create()
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	key := sess.Key()

	if err := pool.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if pool.Has(key) {
		t.Error("Session still pooled after delete")
	}
	if _, err := pool.GetOrOpen(key); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestPoolDeleteDuringTurn(t *testing.T) {
	pool, _ := newTestPool(t)
	defer pool.Shutdown()

	sess, err := pool.Create()
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if err := sess.Prompt("start"); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}

	// Delete awaits the turn before removing the durable record, so no
	// write can land after the directory is gone.
	if err := pool.Delete(sess.Key()); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if pool.Has(sess.Key()) {
		t.Error("Session still pooled after delete")
	}
}
