package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the control plane's OTel metric instruments. These are
// recorded alongside, not instead of, the Prometheus collectors in
// internal/metrics: the Prometheus side feeds a local /metrics scrape,
// this side feeds whatever OTLP collector Config.Endpoint points at.
type Metrics struct {
	TickDuration        metric.Float64Histogram
	RegionDrainDuration metric.Float64Histogram
	TasksClaimed        metric.Int64Counter
	TasksDispatched     metric.Int64Counter
	TasksFailed         metric.Int64Counter
	TaskResultDuration  metric.Float64Histogram
	TaskResultErrors    metric.Int64Counter
	AgentsConnected     metric.Int64UpDownCounter
	AgentSendErrors     metric.Int64Counter
	JobsCreated         metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("steamctl.dispatcher.tick.duration",
		metric.WithDescription("Dispatcher tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RegionDrainDuration, err = meter.Float64Histogram("steamctl.dispatcher.region_drain.duration",
		metric.WithDescription("Time spent draining one region's queued tasks in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("steamctl.dispatcher.tasks_claimed",
		metric.WithDescription("Total number of tasks claimed by the dispatcher"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("steamctl.dispatcher.tasks_dispatched",
		metric.WithDescription("Total number of tasks successfully enqueued to an agent"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("steamctl.dispatcher.tasks_failed",
		metric.WithDescription("Total number of claimed tasks that could not be dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskResultDuration, err = meter.Float64Histogram("steamctl.tunnel.task_result.duration",
		metric.WithDescription("Time to process an inbound task_result frame in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskResultErrors, err = meter.Int64Counter("steamctl.tunnel.task_result.errors",
		metric.WithDescription("Total number of task_result frames that failed to apply"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsConnected, err = meter.Int64UpDownCounter("steamctl.registry.agents_connected",
		metric.WithDescription("Number of agents currently connected to the registry"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentSendErrors, err = meter.Int64Counter("steamctl.tunnel.send_errors",
		metric.WithDescription("Total number of frame writes to an agent that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsCreated, err = meter.Int64Counter("steamctl.jobs.created",
		metric.WithDescription("Total number of jobs created via the HTTP API"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
