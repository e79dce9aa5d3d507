package progress

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dhcgn/mail-to-pdf/stats"
)

func TestMonotonic_NeverDecreases(t *testing.T) {
	var (
		mu   sync.Mutex
		seen [][2]int
	)
	m := NewMonotonic(SinkFunc(func(done, total int) {
		mu.Lock()
		seen = append(seen, [2]int{done, total})
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				m.Update(rng.Intn(100), 100)
			}
		}(int64(w))
	}
	wg.Wait()

	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i][0], seen[i-1][0], "done decreased at update %d", i)
		assert.GreaterOrEqual(t, seen[i][1], seen[i-1][1], "total decreased at update %d", i)
	}
}

func TestMonotonic_TotalCoversDone(t *testing.T) {
	var got [2]int
	m := NewMonotonic(SinkFunc(func(done, total int) { got = [2]int{done, total} }))

	m.Update(5, 0)
	assert.Equal(t, [2]int{5, 5}, got)

	m.Update(3, 10)
	assert.Equal(t, [2]int{5, 10}, got)

	done, total := m.Last()
	assert.Equal(t, 5, done)
	assert.Equal(t, 10, total)
}

func TestBar_DisabledIsNoop(t *testing.T) {
	bar := New(10, 0, "debug")
	bar.Update(3, 10)
	bar.Event(stats.Event{Type: stats.EventTypeError})
	bar.Stop()

	events := make(chan stats.Event, 1)
	events <- stats.Event{Type: stats.EventTypeParsed, MessageID: "a"}
	close(events)
	assert.NoError(t, bar.Subscriber(context.Background(), events))
}
