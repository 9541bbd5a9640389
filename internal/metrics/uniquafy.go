package metrics

import (
	"fmt"
	"math"
	"time"

	"uniqua/internal/bus"
)

var stageBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, math.Inf(1)}

// RecordTrigger counts a matched trigger.
func (c *MetricsCollector) RecordTrigger(channel string) {
	c.Counter("uniqua_triggers_total", "Uniquafy triggers received", label("channel", channel)).Inc()
}

// RecordOutcome counts a finished request by status.
func (c *MetricsCollector) RecordOutcome(status string) {
	c.Counter("uniqua_requests_total", "Uniquafy requests by final status", label("status", status)).Inc()
}

// RecordStage observes the duration of one pipeline stage.
func (c *MetricsCollector) RecordStage(stage string, d time.Duration, ok bool) {
	c.Histogram("uniqua_stage_duration_seconds", "Pipeline stage latency in seconds",
		label("stage", stage), stageBuckets).Observe(d.Seconds())
	if !ok {
		c.Counter("uniqua_stage_errors_total", "Pipeline stage failures", label("stage", stage)).Inc()
	}
}

// RecordRateLimited counts messages that had to wait for the rate limiter.
func (c *MetricsCollector) RecordRateLimited() {
	c.Counter("uniqua_rate_limited_total", "Action invocations delayed by the rate limiter", "").Inc()
}

// Subscribe feeds pipeline events from eb into the collector and returns a
// function that detaches it.
func (c *MetricsCollector) Subscribe(eb *bus.EventBus) func() {
	handlers := map[string]bus.EventHandler{
		bus.EventTriggered: func(e bus.Event) { c.RecordTrigger(e.Source) },
		bus.EventCompleted: func(e bus.Event) { c.RecordOutcome(payloadString(e, "status")) },
		bus.EventFailed:    func(e bus.Event) { c.RecordOutcome(payloadString(e, "status")) },
		bus.EventStageFinished: func(e bus.Event) {
			d, _ := e.Payload["duration"].(time.Duration)
			ok, _ := e.Payload["ok"].(bool)
			c.RecordStage(payloadString(e, "stage"), d, ok)
		},
		bus.EventRateLimited: func(bus.Event) { c.RecordRateLimited() },
	}

	ids := make(map[string]string, len(handlers))
	for eventType, h := range handlers {
		ids[eventType] = eb.On(eventType, h)
	}
	return func() {
		for eventType, id := range ids {
			eb.Off(eventType, id)
		}
	}
}

func payloadString(e bus.Event, key string) string {
	v, _ := e.Payload[key].(string)
	if v == "" {
		return "unknown"
	}
	return v
}

func label(key, value string) string {
	return fmt.Sprintf("%s=%q", key, value)
}
