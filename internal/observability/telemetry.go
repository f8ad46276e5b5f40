package observability

import (
	"time"
)

// IncidentSeverity represents the severity level of an incident.
type IncidentSeverity string

const (
	// SeverityWarn identifies warning incidents.
	SeverityWarn IncidentSeverity = "WARN"
	// SeverityError identifies error incidents.
	SeverityError IncidentSeverity = "ERROR"
)

// IncidentType enumerates ops-only incident categories recorded by the feed.
type IncidentType string

const (
	// IncidentDeliveryDropped signals a bar dropped because a consumer inbox stayed full.
	IncidentDeliveryDropped IncidentType = "delivery.dropped"
	// IncidentStaleExhausted signals a cycle that ran out of staleness retries.
	IncidentStaleExhausted IncidentType = "fetch.stale_exhausted"
	// IncidentFetchFailed signals a cycle-local fetch error.
	IncidentFetchFailed IncidentType = "fetch.failed"
	// IncidentCallbackFailed signals a callback error or recovered panic.
	IncidentCallbackFailed IncidentType = "callback.failed"
	// IncidentConsumerStraggler signals a consumer worker that did not exit within its join timeout.
	IncidentConsumerStraggler IncidentType = "consumer.straggler"
)

// Incident carries structured information about a non-fatal runtime problem.
type Incident struct {
	Type      IncidentType      `json:"type"`
	Severity  IncidentSeverity  `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Key       string            `json:"key,omitempty"`
	Consumer  string            `json:"consumer,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func cloneIncident(in Incident) Incident {
	clone := in
	if len(in.Metadata) > 0 {
		metadataCopy := make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			metadataCopy[k] = v
		}
		clone.Metadata = metadataCopy
	}
	return clone
}
