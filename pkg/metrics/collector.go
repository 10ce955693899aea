package metrics

import (
	"context"
	"time"

	"github.com/cuemby/mcm/pkg/model"
)

// nodeView is the slice of pkg/registry.Registry this collector depends on,
// kept here as a small local interface so metrics stays a leaf package that
// registry/leaderlock depend on, not the other way around.
type nodeView interface {
	AnyRestoring(ctx context.Context) (bool, error)
	AnySnapshotting(ctx context.Context) (bool, error)
	ListLive(ctx context.Context) ([]model.NodeRecord, error)
}

// leaderView is the slice of pkg/leaderlock.Lock this collector depends on.
type leaderView interface {
	AmLeader(ctx context.Context) (bool, error)
}

// Collector periodically polls the registry and leader lock and republishes
// their state as gauges, since those components only observe the
// coordination service when the control loop actively calls them.
type Collector struct {
	registry nodeView
	leader   leaderView
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector polling every 15s.
func NewCollector(registry nodeView, leader leaderView) *Collector {
	return &Collector{
		registry: registry,
		leader:   leader,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the polling loop in a background goroutine.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect(ctx)
		for {
			select {
			case <-ticker.C:
				c.collect(ctx)
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the polling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	_, _ = c.leader.AmLeader(ctx)

	if restoring, err := c.registry.AnyRestoring(ctx); err == nil {
		SetBoolGauge(NodesRestoring, restoring)
	}
	if snapshotting, err := c.registry.AnySnapshotting(ctx); err == nil {
		SetBoolGauge(NodesSnapshotting, snapshotting)
	}
	if live, err := c.registry.ListLive(ctx); err == nil {
		LiveNodesTotal.Set(float64(len(live)))
	}
}
