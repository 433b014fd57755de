package writer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds single-writer OpenTelemetry instruments.
type Metrics struct {
	tasksTotal     metric.Int64Counter
	taskDuration   metric.Float64Histogram
	queueWait      metric.Float64Histogram
	nonEmptyQueues metric.Int64ObservableGauge
	runningWorkers metric.Int64ObservableGauge
}

// NewMetrics creates the instruments and registers the gauges observing w.
func NewMetrics(meter metric.Meter, w *Writer) (*Metrics, error) {
	tasksTotal, err := meter.Int64Counter(
		"bucketstore_writer_tasks_total",
		metric.WithDescription("Total number of single writer tasks by producer and outcome"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	taskDuration, err := meter.Float64Histogram(
		"bucketstore_writer_task_duration_seconds",
		metric.WithDescription("Execution time of single writer tasks"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1),
	)
	if err != nil {
		return nil, err
	}

	queueWait, err := meter.Float64Histogram(
		"bucketstore_writer_queue_wait_seconds",
		metric.WithDescription("Time tasks spent queued before execution"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, err
	}

	nonEmptyQueues, err := meter.Int64ObservableGauge(
		"bucketstore_writer_non_empty_queues",
		metric.WithDescription("Number of bucket queues holding pending tasks"),
		metric.WithUnit("{queue}"),
	)
	if err != nil {
		return nil, err
	}

	runningWorkers, err := meter.Int64ObservableGauge(
		"bucketstore_writer_running_workers",
		metric.WithDescription("Number of awake drain loops"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(nonEmptyQueues, w.NonEmptyQueues())
		o.ObserveInt64(runningWorkers, w.RunningWorkers())
		return nil
	}, nonEmptyQueues, runningWorkers)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		tasksTotal:     tasksTotal,
		taskDuration:   taskDuration,
		queueWait:      queueWait,
		nonEmptyQueues: nonEmptyQueues,
		runningWorkers: runningWorkers,
	}, nil
}

func (m *Metrics) recordTask(ctx context.Context, producer, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("producer", producer),
		attribute.String("outcome", outcome),
	)
	m.tasksTotal.Add(ctx, 1, attrs)
	if outcome != outcomeCancelled {
		m.taskDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

func (m *Metrics) recordQueueWait(ctx context.Context, producer string, wait time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.String("producer", producer)))
}
