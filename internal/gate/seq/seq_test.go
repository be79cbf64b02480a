// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package seq

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterStartsAtFirst(t *testing.T) {
	c := New(1)

	assert.Equal(t, uint64(1), c.Current())
	assert.Equal(t, uint64(1), c.Next())
	assert.Equal(t, uint64(2), c.Next())
	assert.Equal(t, uint64(3), c.Current())
}

func TestCounterConcurrentNextIsUnique(t *testing.T) {
	const (
		goroutines = 16
		perRoutine = 500
	)

	c := New(1)
	results := make(chan uint64, goroutines*perRoutine)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perRoutine; j++ {
				results <- c.Next()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]struct{}, goroutines*perRoutine)
	for v := range results {
		_, dup := seen[v]
		require.False(t, dup, "value %d handed out twice", v)
		seen[v] = struct{}{}
	}

	assert.Len(t, seen, goroutines*perRoutine)
	assert.Equal(t, uint64(goroutines*perRoutine+1), c.Current())
}
