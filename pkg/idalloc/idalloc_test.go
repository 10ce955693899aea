package idalloc_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mcm/pkg/coord/fake"
	"github.com/cuemby/mcm/pkg/idalloc"
)

func TestAllocateStartsAtOne(t *testing.T) {
	c := fake.New()
	a := idalloc.New(c, "mcm/server_id_counter")

	id, err := a.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestAllocateIncrements(t *testing.T) {
	c := fake.New()
	a := idalloc.New(c, "mcm/server_id_counter")

	first, err := a.Allocate(context.Background())
	require.NoError(t, err)
	second, err := a.Allocate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first+1, second)
}

func TestAllocateConcurrentUnique(t *testing.T) {
	c := fake.New()
	a := idalloc.New(c, "mcm/server_id_counter")

	const n = 20
	ids := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := a.Allocate(context.Background())
			require.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d allocated", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestCurrentReflectsLastAllocation(t *testing.T) {
	c := fake.New()
	a := idalloc.New(c, "mcm/server_id_counter")

	cur, err := a.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, cur)

	id, err := a.Allocate(context.Background())
	require.NoError(t, err)

	cur, err = a.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, cur)
}
