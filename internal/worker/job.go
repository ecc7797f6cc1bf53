package worker

// Job is one probe waiting for a worker.
type Job struct {
	ProbeID string
	Index   int
	URL     string
}
