// Package dispatcher runs the control plane's fixed-tick claim/pick/enqueue
// loop: on every tick it reclaims stale leases, then for each connected
// region claims queued tasks up to a per-region cap and hands them to a
// connected agent's send queue.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/steamctl/internal/broker"
	"github.com/basket/steamctl/internal/metrics"
	ctlotel "github.com/basket/steamctl/internal/otel"
	"github.com/basket/steamctl/internal/registry"
	"github.com/basket/steamctl/internal/store"
	"github.com/basket/steamctl/internal/tunnel"
)

// Deps bundles the collaborators the dispatcher needs. Metrics, OtelMetrics,
// and Tracer may be nil.
type Deps struct {
	Store       *store.Store
	Registry    *registry.Registry
	Broker      *broker.Broker
	Metrics     *metrics.Metrics
	OtelMetrics *ctlotel.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Config controls the dispatcher's pacing.
type Config struct {
	TickInterval time.Duration
	MaxPerRegion int
	TaskLease    time.Duration
}

// Dispatcher owns the control plane's fixed-tick claim/pick/enqueue loop.
type Dispatcher struct {
	deps Deps
	cfg  Config
}

// New builds a Dispatcher. Run must be called to start the loop.
func New(deps Deps, cfg Config) *Dispatcher {
	return &Dispatcher{deps: deps, cfg: cfg}
}

// Run blocks, ticking every cfg.TickInterval, until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if d.deps.Tracer != nil {
		var span trace.Span
		ctx, span = ctlotel.StartSpan(ctx, d.deps.Tracer, "dispatcher.tick")
		defer span.End()
	}

	tickStart := time.Now()
	if d.deps.OtelMetrics != nil {
		defer func() {
			d.deps.OtelMetrics.TickDuration.Record(ctx, time.Since(tickStart).Seconds())
		}()
	}

	start := time.Now()
	n, err := d.deps.Store.RequeueStaleRunningTasks(ctx, d.cfg.TaskLease)
	if d.deps.Metrics != nil {
		d.deps.Metrics.ObserveStoreOp("requeue_stale_running_tasks", time.Since(start))
	}
	if err != nil {
		d.logError("requeue stale running tasks", err)
	} else if n > 0 && d.deps.Logger != nil {
		d.deps.Logger.Info("dispatcher reclaimed stale leases", slog.Int64("count", n))
	}

	for _, region := range d.deps.Registry.Regions() {
		d.drainRegion(ctx, region)
	}
}

// drainRegion claims up to MaxPerRegion queued tasks for region and hands
// each to the region's picked agent. It stops early once a tick finds
// nothing left to claim or no agent to claim for.
func (d *Dispatcher) drainRegion(ctx context.Context, region string) {
	if d.deps.Tracer != nil {
		var span trace.Span
		ctx, span = ctlotel.StartSpan(ctx, d.deps.Tracer, "dispatcher.drain_region", ctlotel.AttrRegion.String(region))
		defer span.End()
	}

	drainStart := time.Now()
	if d.deps.OtelMetrics != nil {
		defer func() {
			d.deps.OtelMetrics.RegionDrainDuration.Record(ctx, time.Since(drainStart).Seconds())
		}()
	}

	for i := 0; i < d.cfg.MaxPerRegion; i++ {
		start := time.Now()
		task, err := d.deps.Store.ClaimNextQueuedTask(ctx, region)
		if d.deps.Metrics != nil {
			d.deps.Metrics.ObserveStoreOp("claim_next_queued_task", time.Since(start))
		}
		if err != nil {
			d.logError("claim next queued task", err)
			return
		}
		if task == nil {
			return
		}
		if d.deps.Metrics != nil {
			d.deps.Metrics.IncClaimed()
		}
		if d.deps.OtelMetrics != nil {
			d.deps.OtelMetrics.TasksClaimed.Add(ctx, 1)
		}

		entry := d.deps.Registry.Pick(region)
		if entry == nil {
			d.requeueAfter(ctx, *task)
			d.deps.Broker.PublishJob(task.JobID, "task.dispatch_failed", map[string]any{
				"taskId": task.ID,
				"error":  "no agent available",
			})
			break
		}

		if !entry.EnqueueTask(tunnel.NewTaskFrame(*task)) {
			d.requeueAfter(ctx, *task)
			d.deps.Broker.PublishJob(task.JobID, "task.enqueue_failed", map[string]any{
				"taskId":  task.ID,
				"agentId": entry.Hello.AgentID,
			})
			break
		}

		if d.deps.Metrics != nil {
			d.deps.Metrics.IncDispatched()
		}
		if d.deps.OtelMetrics != nil {
			d.deps.OtelMetrics.TasksDispatched.Add(ctx, 1)
		}
		d.deps.Broker.PublishJob(task.JobID, "task.dispatched", map[string]any{
			"taskId":  task.ID,
			"agentId": entry.Hello.AgentID,
		})
	}
}

// requeueAfter returns a claimed task to the queue after a failed pick or
// enqueue attempt and records the failure in metrics. Callers publish the
// specific dispatch_failed/enqueue_failed job event themselves.
func (d *Dispatcher) requeueAfter(ctx context.Context, task store.Task) {
	if err := d.deps.Store.RequeueTask(ctx, task.ID); err != nil {
		d.logError("requeue task after dispatch failure", err)
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.IncFailed()
	}
	if d.deps.OtelMetrics != nil {
		d.deps.OtelMetrics.TasksFailed.Add(ctx, 1)
	}
}

func (d *Dispatcher) logError(msg string, err error) {
	if d.deps.Logger != nil {
		d.deps.Logger.Warn("dispatcher: "+msg, slog.String("error", err.Error()))
	}
}
