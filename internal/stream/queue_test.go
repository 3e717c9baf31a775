package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/agentwire/internal/wire"
)

func TestQueue_FIFOPerID(t *testing.T) {
	q := NewQueue(0)
	q.Push(open("a", `1`))
	q.Push(open("b", `10`))
	q.Push(open("a", `2`))
	q.Push(closeFrame("a"))

	assert.Equal(t, 4, q.Len())
	assert.Equal(t, 3, q.LenID("a"))

	e, ok := q.Pop("a")
	require.True(t, ok)
	assert.Equal(t, "1", string(e.Data))
	e, _ = q.Pop("a")
	assert.Equal(t, "2", string(e.Data))
	e, _ = q.Pop("a")
	assert.Equal(t, wire.StreamClose, e.Stream)

	_, ok = q.Pop("a")
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_Bound(t *testing.T) {
	q := NewQueue(1)
	assert.True(t, q.Push(open("a", `1`)))
	assert.False(t, q.Push(open("b", `1`)))
	assert.True(t, q.Push(closeFrame("b")))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_DropAndReset(t *testing.T) {
	q := NewQueue(-5)
	q.Push(open("a", `1`))
	q.Push(open("a", `2`))
	q.Push(open("b", `3`))

	assert.Equal(t, 2, q.Drop("a"))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 0, q.Drop("missing"))

	q.Reset()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.LenID("b"))
}
