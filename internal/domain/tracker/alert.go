package tracker

import "fmt"

// Severity is the closed alert severity set.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one synthesized condition from a Snapshot.
type Alert struct {
	Kind     string
	Severity Severity
	Message  string
}

// AlertThresholds configures the three synthesized alert kinds; the
// failure-rate ceiling is configurable rather than fixed at 10%.
type AlertThresholds struct {
	MinDeliveryRatePercent float64
	MaxQueueDepth          int
	MaxFailureRatePercent  float64
}

// DefaultAlertThresholds: 95% delivery floor, 1000 queue depth, 10%
// failure ceiling.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		MinDeliveryRatePercent: 95,
		MaxQueueDepth:          1000,
		MaxFailureRatePercent:  10,
	}
}

// synthesize builds the alert list for one Snapshot.
func synthesize(snap Snapshot, thresholds AlertThresholds, queueDepth int) []Alert {
	var alerts []Alert
	if snap.Total > 0 && snap.DeliveryRatePercent < thresholds.MinDeliveryRatePercent {
		alerts = append(alerts, Alert{
			Kind:     "delivery-rate-below-threshold",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("delivery rate %.1f%% below threshold %.1f%%", snap.DeliveryRatePercent, thresholds.MinDeliveryRatePercent),
		})
	}
	if queueDepth > thresholds.MaxQueueDepth {
		alerts = append(alerts, Alert{
			Kind:     "queue-depth-above-threshold",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("queue depth %d above threshold %d", queueDepth, thresholds.MaxQueueDepth),
		})
	}
	if snap.Total > 0 && snap.FailureRatePercent > thresholds.MaxFailureRatePercent {
		alerts = append(alerts, Alert{
			Kind:     "failure-rate-above-threshold",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("failure rate %.1f%% above threshold %.1f%%", snap.FailureRatePercent, thresholds.MaxFailureRatePercent),
		})
	}
	return alerts
}
