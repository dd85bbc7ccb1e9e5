package config

import (
	"os"
	"strings"
)

// SchedulerEnabled controls whether the server process runs the confirmation
// check loop. Disable it on extra replicas so only one instance polls.
//
// Set via env:
// - CONFIRMATION_SCHEDULER_ENABLED=false
func SchedulerEnabled() bool {
	return boolFromEnv("CONFIRMATION_SCHEDULER_ENABLED", true)
}

// WebhookPrefilterEnabled rejects Data Entry Trigger posts early when the
// posted ready field does not carry the ready value, before the record is
// read back from the EDC.
//
// Set via env:
// - WEBHOOK_PREFILTER=false
func WebhookPrefilterEnabled() bool {
	return boolFromEnv("WEBHOOK_PREFILTER", true)
}

// CreateEventsTopic creates ORDER_EVENTS_TOPIC on startup when it is missing.
//
// Set via env:
// - ORDER_EVENTS_CREATE_TOPIC=true
func CreateEventsTopic() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ORDER_EVENTS_CREATE_TOPIC")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
