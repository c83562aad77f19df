package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the engine's metric instruments.
type Metrics struct {
	EventsEmitted        metric.Int64Counter
	NotificationsCreated metric.Int64Counter
	WebhookDeliveries    metric.Int64Counter
	WebhookDuration      metric.Float64Histogram
	TasksReleasedStale   metric.Int64Counter
	TasksPromoted        metric.Int64Counter
	WSClients            metric.Int64UpDownCounter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsEmitted, err = meter.Int64Counter("opengate.events.emitted",
		metric.WithDescription("Durable events appended to the log"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsCreated, err = meter.Int64Counter("opengate.notifications.created",
		metric.WithDescription("Notification rows created by event routing"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookDeliveries, err = meter.Int64Counter("opengate.webhook.deliveries",
		metric.WithDescription("Outbound webhook delivery outcomes"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookDuration, err = meter.Float64Histogram("opengate.webhook.duration",
		metric.WithDescription("Outbound webhook request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksReleasedStale, err = meter.Int64Counter("opengate.tasks.stale_released",
		metric.WithDescription("Tasks released by the stale reaper"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksPromoted, err = meter.Int64Counter("opengate.tasks.promoted",
		metric.WithDescription("Scheduled tasks promoted to todo"),
	)
	if err != nil {
		return nil, err
	}

	m.WSClients, err = meter.Int64UpDownCounter("opengate.ws.clients",
		metric.WithDescription("Connected WebSocket observers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
