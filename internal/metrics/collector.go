package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/xynlabs/xyn/internal/logging"
	"github.com/xynlabs/xyn/internal/model"
	"github.com/xynlabs/xyn/internal/store"
)

// runStatuses enumerates every gauge label so a status with zero rows is
// reset to 0 instead of left at its previous value.
var runStatuses = []model.RunStatus{
	model.RunQueued, model.RunRunning, model.RunCompleted, model.RunFailed, model.RunCancelled,
}

// Collector ticks on a fixed interval and refreshes the queue_* gauges from
// the store, the way the worker pool's reclaim loop ticks on its own fixed
// interval: a separate goroutine, same cancel/wait shape, so it satisfies
// the same Name()/Start(ctx)/Stop(ctx) lifecycle contract.
type Collector struct {
	Store    store.Store
	Interval time.Duration
	Log      *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Name identifies this service in lifecycle logs.
func (c *Collector) Name() string { return "metrics-collector" }

// Start launches the tick loop.
func (c *Collector) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	interval := c.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	c.wg.Add(1)
	go c.run(runCtx, interval)
	return nil
}

// Stop cancels the tick loop and waits for it to exit.
func (c *Collector) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collector) run(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	if depths, err := c.Store.QueueDepthByStatus(ctx); err != nil {
		c.Log.WithFields(map[string]any{"error": err}).Error("queue depth collection failed")
	} else {
		for _, status := range runStatuses {
			SetQueueDepth(string(status), float64(depths[status]))
		}
	}

	if ready, err := c.Store.QueueReadyDepth(ctx); err != nil {
		c.Log.WithFields(map[string]any{"error": err}).Error("queue ready depth collection failed")
	} else {
		SetQueueReadyDepth(float64(ready))
	}

	if future, err := c.Store.QueueFutureDepth(ctx); err != nil {
		c.Log.WithFields(map[string]any{"error": err}).Error("queue future depth collection failed")
	} else {
		SetQueueFutureDepth(float64(future))
	}

	if oldest, err := c.Store.QueueOldestReadySeconds(ctx); err != nil {
		c.Log.WithFields(map[string]any{"error": err}).Error("queue oldest ready collection failed")
	} else {
		SetQueueOldestReadySeconds(oldest)
	}

	if expired, err := c.Store.RunningWithExpiredLease(ctx); err != nil {
		c.Log.WithFields(map[string]any{"error": err}).Error("running with expired lease collection failed")
	} else {
		SetRunningWithExpiredLease(float64(expired))
	}

	if active, err := c.Store.RunningWithActiveLease(ctx); err != nil {
		c.Log.WithFields(map[string]any{"error": err}).Error("running with active lease collection failed")
	} else {
		SetRunningWithActiveLease(float64(active))
	}
}
