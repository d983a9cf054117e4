package cronjob

import (
	"time"

	"github.com/joblet/joblet/internal/job"
)

// Priority re-exports job.Priority so callers constructing a Schedule don't
// need to import internal/job directly.
type Priority = job.Priority

// Schedule represents a periodic task schedule
type Schedule struct {
	// ID is a unique identifier for the schedule
	ID string

	// Cron expression (standard 5-field: minute hour day month weekday)
	// Examples:
	//   "0 * * * *"     - Every hour at minute 0
	//   "*/15 * * * *"  - Every 15 minutes
	//   "0 9 * * 1"     - Every Monday at 9:00 AM
	//   "0 0 1 * *"     - First day of every month at midnight
	Cron string

	// Class is the handler class enqueued when this schedule fires
	// (must be registered with the handler registry).
	Class string

	// Args are the positional arguments passed to the envelope.
	Args []interface{}

	// Queue is the destination queue for the enqueued envelope.
	Queue string

	// Priority for the enqueued job
	Priority job.Priority

	// Timezone for cron evaluation (default: UTC)
	// Must be a valid IANA timezone (e.g., "America/New_York", "UTC")
	Timezone string

	// Enabled flag (allows disabling without removing)
	Enabled bool

	// Description for logging/monitoring
	Description string
}

// ScheduleState represents the runtime state of a schedule
type ScheduleState struct {
	ID          string
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	LastError   string
	LastSuccess time.Time
}
