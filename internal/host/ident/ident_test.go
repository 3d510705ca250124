// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ident

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextAndRelease(t *testing.T) {
	a := New(3, 2, nil)

	id, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	id, err = a.Next()
	require.NoError(t, err)
	assert.Equal(t, 4, id)

	_, err = a.Next()
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, a.Release(3))
	assert.Error(t, a.Release(3))

	id, err = a.Next()
	require.NoError(t, err)
	assert.Equal(t, 3, id)
	assert.Equal(t, 2, a.Allocated())
}

func TestSkipsForeignIdentifiers(t *testing.T) {
	a := New(0, 4, func(id int) bool { return id == 0 || id == 2 })

	first, err := a.Next()
	require.NoError(t, err)
	second, err := a.Next()
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3}, []int{first, second})

	_, err = a.Next()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestConcurrentNextIsUnique(t *testing.T) {
	const n = 64
	a := New(0, n, nil)

	ids := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := a.Next()
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}
