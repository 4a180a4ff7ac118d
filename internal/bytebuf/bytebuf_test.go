package bytebuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendPopAcrossChunks(t *testing.T) {
	b := New()
	b.Append([]byte("hello "))
	b.Append([]byte("world"))
	require.Equal(t, 11, b.Len())

	got := b.Pop(8)
	assert.Equal(t, "hello wo", string(got))
	assert.Equal(t, 3, b.Len())

	rest := b.Pop(100)
	assert.Equal(t, "rld", string(rest))
	assert.Equal(t, 0, b.Len())
}

func TestPeekDoesNotAdvance(t *testing.T) {
	b := New()
	b.Append([]byte("abcdef"))
	assert.Equal(t, "abc", string(b.Peek(3)))
	assert.Equal(t, 6, b.Len())
	assert.Equal(t, "abc", string(b.Pop(3)))
	assert.Equal(t, 3, b.Len())
}

func TestRemoveDiscardsWithoutCopy(t *testing.T) {
	b := New()
	b.Append([]byte("0123456789"))
	n := b.Remove(4)
	assert.Equal(t, 4, n)
	assert.Equal(t, "456789", string(b.Pop(100)))
}

func TestPopListAvoidsJoiningSingleChunk(t *testing.T) {
	b := New()
	b.Append([]byte("abc"))
	b.Append([]byte("def"))
	parts := b.PopList(4)
	require.Len(t, parts, 2)
	assert.Equal(t, "abc", string(parts[0]))
	assert.Equal(t, "d", string(parts[1]))
}

func TestReadingBeyondAvailableReturnsWhatExists(t *testing.T) {
	b := New()
	b.Append([]byte("xy"))
	assert.Equal(t, "xy", string(b.Pop(50)))
	assert.Equal(t, []byte{}, b.Pop(1))
}
