package bus

// Subjects owned by the brain fabric. Literal strings; a per-job status
// subject is SubjectJobStatusPrefix + jobId.
const (
	SubjectJobDispatch     = "bakerst.jobs.dispatch"
	SubjectJobStatusPrefix = "bakerst.jobs.status."
	SubjectJobStatusAll    = "bakerst.jobs.status.*"

	SubjectTransferReady = "bakerst.brain.transfer.ready"
	SubjectTransferClear = "bakerst.brain.transfer.clear"
	SubjectTransferAbort = "bakerst.brain.transfer.abort"

	SubjectBrainHeartbeat      = "bakerst.heartbeat.brain"
	SubjectExtensionHeartbeats = "bakerst.extensions.*.heartbeat"
	SubjectCompanions          = "bakerst.companions.*"
)

// Stream and consumer names.
const (
	StreamJobs      = "JOBS"
	ConsumerWorkers = "WORKERS"
)

// JobStatusSubject returns the status subject for one job.
func JobStatusSubject(jobID string) string {
	return SubjectJobStatusPrefix + jobID
}
