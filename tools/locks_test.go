package tools

import (
	"sync"
	"testing"
)

func TestKeyedMutex_LockUnlock(t *testing.T) {
	km := NewKeyedMutex()

	key := "user/idempotency-key"
	km.Lock(key)
	km.Unlock(key)

	if _, ok := km.locks[key]; ok {
		t.Errorf("Expected mutex for key %s to be removed", key)
	}
}

func TestKeyedMutex_ConcurrentAccess(t *testing.T) {
	km := NewKeyedMutex()
	key := "user/idempotency-key"
	var wg sync.WaitGroup

	itr := 1000
	j := 0

	for i := 0; i < itr; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock(key)
			j++
			km.Unlock(key)
		}()
	}

	wg.Wait()

	if j != itr {
		t.Errorf("Expected j to be %d, got %d", itr, j)
	}
}

func TestKeyedMutex_Locked(t *testing.T) {
	km := NewKeyedMutex()

	key := "user/idempotency-key"
	if km.Locked(key) {
		t.Errorf("Expected key %s to be initially unlocked", key)
	}

	km.Lock(key)
	if !km.Locked(key) {
		t.Errorf("Expected key %s to be locked", key)
	}

	km.Unlock(key)
	if km.Locked(key) {
		t.Errorf("Expected key %s to be unlocked after unlock", key)
	}
}
