package job

// JobStatus is bookkeeping state for results and metrics. It is never part
// of the wire envelope; the envelope's location (live queue, in-flight
// list, retry set, dead set) is the only durable status the core tracks.
type JobStatus string

const (
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusRetried    JobStatus = "retried"
)
