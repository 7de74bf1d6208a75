package sync

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardedMutexLockUnlock(t *testing.T) {
	m := NewShardedMutex()

	m.Lock("rate_limit:login:ip:203.0.113.1:minute")
	m.Unlock("rate_limit:login:ip:203.0.113.1:minute")

	// Empty key falls back to shard 0 rather than panicking.
	m.Lock("")
	m.Unlock("")
}

func TestShardedMutexSerializesSameKey(t *testing.T) {
	m := NewShardedMutex()
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("same-key")
			defer m.Unlock("same-key")
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, counter)
}

func TestShardedMutexConcurrentDistinctKeys(t *testing.T) {
	m := NewShardedMutex()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("rate_limit:api:ip:203.0.113.%d:minute", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock(key)
			defer m.Unlock(key)
		}()
	}
	wg.Wait()
}

func TestShardForDistributesKeys(t *testing.T) {
	m := NewShardedMutex()

	shards := make(map[int]bool)
	for i := 0; i < 64; i++ {
		shards[m.shardFor(fmt.Sprintf("rate_limit:login:ip:198.51.100.%d:hour", i))] = true
	}

	// 64 distinct keys over 32 shards should not collapse onto a handful.
	assert.GreaterOrEqual(t, len(shards), 8)
}

func TestHashStringIsStable(t *testing.T) {
	assert.Equal(t, hashString("abc"), hashString("abc"))
	assert.NotEqual(t, hashString("abc"), hashString("abd"))
	assert.Equal(t, uint32(0), hashString(""))
}
