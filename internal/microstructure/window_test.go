package microstructure

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_FIFOEviction(t *testing.T) {
	w := NewWindow[int](3)

	assert.False(t, w.Push(1))
	assert.False(t, w.Push(2))
	assert.False(t, w.Push(3))
	assert.Equal(t, []int{1, 2, 3}, w.Snapshot())

	assert.True(t, w.Push(4))
	assert.True(t, w.Push(5))
	assert.Equal(t, []int{3, 4, 5}, w.Snapshot())
	assert.Equal(t, 3, w.Len())

	last, ok := w.Last()
	require.True(t, ok)
	assert.Equal(t, 5, last)
}

func TestWindow_SnapshotIsCopy(t *testing.T) {
	w := NewWindow[int](2)
	w.Push(1)
	snap := w.Snapshot()
	snap[0] = 99

	assert.Equal(t, []int{1}, w.Snapshot())
}

func TestWindow_EmptyAndReset(t *testing.T) {
	w := NewWindow[string](0)
	assert.Equal(t, 1, w.Cap())

	_, ok := w.Last()
	assert.False(t, ok)
	assert.Empty(t, w.Snapshot())

	w.Push("a")
	w.Reset()
	assert.Equal(t, 0, w.Len())
}

func TestRegistry_ConcurrentSymbols(t *testing.T) {
	r := newRegistry(func() *tradeState { return &tradeState{trades: NewWindow[Trade](50)} })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		symbol := fmt.Sprintf("SYM%d", i%4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = r.write(symbol, func(s *tradeState) error {
					s.trades.Push(Trade{Price: 1, Volume: 1})
					return nil
				})
				r.read(symbol, func(s *tradeState) { _ = s.trades.Snapshot() })
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"SYM0", "SYM1", "SYM2", "SYM3"}, r.symbols())
	r.read("SYM0", func(s *tradeState) {
		assert.Equal(t, 50, s.trades.Len())
	})
	assert.False(t, r.read("missing", func(*tradeState) {}))
}
