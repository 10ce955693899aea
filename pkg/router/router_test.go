package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/mcm/pkg/model"
)

func TestComputeBackendsSeparatesWriterAndReaderGroups(t *testing.T) {
	live := []model.NodeRecord{
		{Address: "node-a:3306"},
		{Address: "node-b:3306"},
		{Address: "node-c:3306"},
	}
	backends := computeBackends(live, "node-b:3306", 3306)

	var writers, readers []string
	for _, be := range backends {
		if be.group == writerGroup {
			writers = append(writers, be.addr)
		} else {
			readers = append(readers, be.addr)
		}
	}
	assert.Equal(t, []string{"node-b:3306"}, writers)
	assert.Equal(t, []string{"node-a:3306", "node-c:3306"}, readers)
}

func TestComputeBackendsIsSortedForStableDiff(t *testing.T) {
	live := []model.NodeRecord{
		{Address: "node-c:3306"},
		{Address: "node-a:3306"},
	}
	a := computeBackends(live, "", 3306)
	b := computeBackends([]model.NodeRecord{live[1], live[0]}, "", 3306)
	assert.Equal(t, backendKeys(a), backendKeys(b))
}

func TestSyncIsNoOpWhenBackendSetUnchanged(t *testing.T) {
	bridge := &Bridge{cfg: Config{Port: 3306}}
	live := []model.NodeRecord{{Address: "node-a:3306"}}

	keys := backendKeys(computeBackends(live, "node-a:3306", 3306))
	bridge.lastBackends = keys

	// Sync would normally dial the admin connection; since the computed
	// backend set matches lastBackends exactly, it must return before
	// attempting any connection.
	err := bridge.Sync(context.Background(), live, "node-a:3306")
	assert.NoError(t, err)
}
