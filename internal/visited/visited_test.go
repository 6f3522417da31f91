package visited

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := New(16)

	assert.True(t, s.Visit(3))
	assert.False(t, s.Visit(3))
	assert.True(t, s.Visit(1000), "grows past the initial capacity")

	assert.True(t, s.Visited(3))
	assert.True(t, s.Visited(1000))
	assert.False(t, s.Visited(4))
	assert.Equal(t, 2, s.Len())

	s.Reset()
	assert.False(t, s.Visited(3))
	assert.False(t, s.Visited(1000))
	assert.Equal(t, 0, s.Len())
}

func TestResetManyVisits(t *testing.T) {
	s := New(64)
	for i := range uint32(64) {
		s.Visit(i)
	}
	s.Reset()
	for i := range uint32(64) {
		assert.False(t, s.Visited(i))
	}
}
