package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBacklogOrdering(t *testing.T) {
	b := NewBacklog(10)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.True(t, b.Push("low", 1, base))
	assert.True(t, b.Push("normal-late", 2, base.Add(time.Minute)))
	assert.True(t, b.Push("normal-early", 2, base))
	assert.True(t, b.Push("high", 3, base.Add(time.Hour)))

	var order []string
	for {
		id, ok := b.Pop()
		if !ok {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []string{"high", "normal-early", "normal-late", "low"}, order)
}

func TestBacklogDedupeAndCapacity(t *testing.T) {
	b := NewBacklog(2)
	now := time.Now()

	assert.True(t, b.Push("a", 2, now))
	assert.False(t, b.Push("a", 3, now))
	assert.True(t, b.Push("b", 2, now))
	assert.False(t, b.Push("c", 2, now))
	assert.Equal(t, 2, b.Len())
	assert.Zero(t, b.Free())

	id, ok := b.Pop()
	assert.True(t, ok)
	assert.Equal(t, "a", id)

	// popped items may be queued again
	assert.True(t, b.Push("a", 2, now))
}
