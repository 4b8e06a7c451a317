package bus

import "time"

// JobDispatch is the payload published to the JOBS stream. TraceContext
// carries W3C trace headers so worker spans join the dispatching trace.
type JobDispatch struct {
	JobID        string            `json:"jobId"`
	Type         string            `json:"type"`
	Source       string            `json:"source,omitempty"`
	Job          string            `json:"job,omitempty"`
	Command      string            `json:"command,omitempty"`
	URL          string            `json:"url,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Vars         map[string]any    `json:"vars,omitempty"`
	TimeoutMs    int64             `json:"timeoutMs,omitempty"`
	TraceContext map[string]string `json:"traceContext,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// JobStatus is published on the per-job status subject as the worker makes
// progress.
type JobStatus struct {
	JobID      string `json:"jobId"`
	WorkerID   string `json:"workerId"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	TraceID    string `json:"traceId,omitempty"`
}

// TransferReady announces an incoming brain to the active one.
type TransferReady struct {
	Version string `json:"version"`
}

// TransferClear tells the incoming brain to take over.
type TransferClear struct {
	NoteID    string `json:"noteId"`
	ToVersion string `json:"toVersion"`
}

// TransferAbort tells the incoming brain the handoff failed.
type TransferAbort struct {
	Reason string `json:"reason"`
}

// Heartbeat is the periodic liveness beacon.
type Heartbeat struct {
	ID        string `json:"id"`
	Uptime    int64  `json:"uptime"`
	Timestamp string `json:"timestamp"`
}
