// Package worker runs the poll/claim/execute loop (jittered idle sleeps),
// the lease-renewal goroutine and the reclaim sweep (fixed tickers, or a
// cron schedule for the sweep) as background goroutines.
package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/xynlabs/xyn/internal/executor"
	"github.com/xynlabs/xyn/internal/logging"
	"github.com/xynlabs/xyn/internal/queue"
	"github.com/xynlabs/xyn/internal/store"
)

// Pool drives claim -> execute -> (lease renewal | reclaim sweep) for one
// worker identity. Name satisfies the lifecycle.Service contract.
type Pool struct {
	WorkerID string
	Store    store.Store
	Queue    *queue.Engine
	Executor *executor.Executor
	Log      *logging.Logger

	ReclaimCron string

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cronJob *cron.Cron
}

// Name identifies this service in lifecycle logs.
func (p *Pool) Name() string { return "worker:" + p.WorkerID }

// Start launches the poll loop and, when ReclaimCron is set, a cron-driven
// reclaim sweep; otherwise reclaim runs on a fixed ticker every
// LeaseDuration.
func (p *Pool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.runPollLoop(runCtx)

	if p.ReclaimCron != "" {
		p.cronJob = cron.New()
		if _, err := p.cronJob.AddFunc(p.ReclaimCron, func() { p.sweepReclaim(runCtx) }); err != nil {
			return err
		}
		p.cronJob.Start()
	} else {
		p.wg.Add(1)
		go p.runReclaimLoop(runCtx)
	}
	return nil
}

// Stop cancels the poll/reclaim goroutines and waits for them to exit.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.cronJob != nil {
		stopCtx := p.cronJob.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) runPollLoop(ctx context.Context) {
	defer p.wg.Done()
	idle := p.Queue.Opts.IdlePoll

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		run, ok, err := p.Queue.Claim(ctx, p.WorkerID)
		if err != nil {
			p.Log.WithFields(map[string]any{"error": err}).Error("claim failed")
			sleep(ctx, jitter(idle))
			continue
		}
		if !ok {
			sleep(ctx, jitter(idle))
			continue
		}

		// Lease loss cancels execCtx, so a worker that lost its run stops
		// writing state and leaves the row to whoever reclaimed it.
		execCtx, cancelExec := context.WithCancel(ctx)
		p.wg.Add(1)
		go p.renewLease(execCtx, run.ID, cancelExec)

		if err := p.Executor.Run(execCtx, run); err != nil {
			p.Log.WithFields(map[string]any{"run_id": run.ID, "error": err}).Warn("run execution failed")
		}
		cancelExec()
	}
}

// renewLease renews the lease on runID at lease_duration/3 until ctx is
// cancelled (the run finished or the executor returned) or the lease is
// lost, in which case it logs a warning and calls onLost to abort the
// run's execution without further state writes.
func (p *Pool) renewLease(ctx context.Context, runID uuid.UUID, onLost context.CancelFunc) {
	defer p.wg.Done()

	interval := p.Queue.Opts.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := p.Queue.Renew(ctx, runID, p.WorkerID)
			if err != nil {
				p.Log.WithFields(map[string]any{"run_id": runID, "error": err}).Error("lease renewal error")
				continue
			}
			if lostErr := queue.CheckLostLease(renewed); lostErr != nil {
				p.Log.WithFields(map[string]any{"run_id": runID, "error": lostErr}).Warn("lost lease, aborting local execution")
				onLost()
				return
			}
		}
	}
}

func (p *Pool) runReclaimLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.Queue.Opts.LeaseDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepReclaim(ctx)
		}
	}
}

func (p *Pool) sweepReclaim(ctx context.Context) {
	ids, err := p.Queue.ReclaimExpired(ctx)
	if err != nil {
		p.Log.WithFields(map[string]any{"error": err}).Error("reclaim sweep failed")
		return
	}
	if len(ids) > 0 {
		p.Log.WithFields(map[string]any{"count": len(ids)}).Info("reclaimed expired runs")
	}
}

// jitter adds up to 50% random delay to the idle poll interval so
// multiple worker processes do not poll in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
