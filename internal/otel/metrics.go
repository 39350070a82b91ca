package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all gateway metric instruments.
type Metrics struct {
	RunDuration      metric.Float64Histogram
	RunsStarted      metric.Int64Counter
	RunsAborted      metric.Int64Counter
	RunErrors        metric.Int64Counter
	TokensUsed       metric.Int64Counter
	ActiveLanes      metric.Int64UpDownCounter
	QueueDepth       metric.Int64UpDownCounter
	QueueDrops       metric.Int64Counter
	StoreLockWait    metric.Float64Histogram
	StoreLockEvicted metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("roost.run.duration",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("roost.run.started",
		metric.WithDescription("Agent runs started"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsAborted, err = meter.Int64Counter("roost.run.aborted",
		metric.WithDescription("Agent runs aborted or timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.RunErrors, err = meter.Int64Counter("roost.run.errors",
		metric.WithDescription("Agent runs that terminated with an error"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("roost.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveLanes, err = meter.Int64UpDownCounter("roost.lane.active",
		metric.WithDescription("Session lanes with a run in progress"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("roost.queue.depth",
		metric.WithDescription("Messages waiting in lane backlogs"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDrops, err = meter.Int64Counter("roost.queue.drops",
		metric.WithDescription("Backlog messages dropped by cap policy"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreLockWait, err = meter.Float64Histogram("roost.store.lock_wait",
		metric.WithDescription("Time spent waiting for the session store lock in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreLockEvicted, err = meter.Int64Counter("roost.store.lock_evicted",
		metric.WithDescription("Stale store locks forcibly removed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
