package replay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkUsed_FirstWinsSecondLoses(t *testing.T) {
	s := NewStore()

	require.True(t, s.MarkUsed("nonce-1"))
	assert.False(t, s.MarkUsed("nonce-1"))
	assert.True(t, s.Used("nonce-1"))
	assert.False(t, s.Used("nonce-2"))
}

func TestMarkUsed_CaseInsensitive(t *testing.T) {
	s := NewStore()

	require.True(t, s.MarkUsed("0xABCDEF"))
	assert.False(t, s.MarkUsed("0xabcdef"))
	assert.True(t, s.Used("0xAbCdEf"))
}

func TestMarkUsed_EmptyKeyRejected(t *testing.T) {
	s := NewStore()

	assert.False(t, s.MarkUsed(""))
	assert.False(t, s.MarkUsed("   "))
	assert.Equal(t, 0, s.Len())
}

func TestMarkUsed_ConcurrentSameKey(t *testing.T) {
	s := NewStore()

	const goroutines = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkUsed("0xdeadbeef") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one goroutine may consume a key")
	assert.Equal(t, 1, s.Len())
}

func TestMarkUsed_ConcurrentDistinctKeys(t *testing.T) {
	s := NewStore()

	const goroutines = 32
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.True(t, s.MarkUsed(fmt.Sprintf("key-%d", n)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, goroutines, s.Len())
}
