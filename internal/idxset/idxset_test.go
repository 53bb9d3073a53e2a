package idxset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	s := New[string]()

	s.Put(3, "three")
	s.Put(1, "one")

	v, ok := s.Get(3)
	require.True(t, ok)
	assert.Equal(t, "three", v)
	assert.Equal(t, 2, s.Len())

	assert.True(t, s.Delete(3))
	assert.False(t, s.Delete(3))
	_, ok = s.Get(3)
	assert.False(t, ok)
}

func TestInsertionOrderSurvivesChurn(t *testing.T) {
	s := New[int]()
	s.Put(5, 50)
	s.Put(2, 20)
	s.Put(9, 90)
	s.Delete(2)
	s.Put(1, 10)

	assert.Equal(t, []int{50, 90, 10}, s.Values())

	idx, v, ok := s.First()
	require.True(t, ok)
	assert.Equal(t, uint32(5), idx)
	assert.Equal(t, 50, v)
}

func TestEachStopsEarly(t *testing.T) {
	s := New[int]()
	s.Put(1, 1)
	s.Put(2, 2)
	s.Put(3, 3)

	var seen []int
	s.Each(func(_ uint32, v int) bool {
		seen = append(seen, v)
		return len(seen) < 2
	})
	assert.Equal(t, []int{1, 2}, seen)
}

func TestFirstOnEmptySet(t *testing.T) {
	s := New[int]()
	_, _, ok := s.First()
	assert.False(t, ok)
}
