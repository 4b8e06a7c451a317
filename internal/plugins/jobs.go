package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bakerst/bakerst/internal/brainerrors"
	"github.com/bakerst/bakerst/internal/router"
	"github.com/bakerst/bakerst/internal/store"
)

// JobDispatcher hands work to the job bus. Implemented by the dispatcher.
type JobDispatcher interface {
	DispatchJob(ctx context.Context, req *DispatchRequest) (string, error)
}

// DispatchRequest describes one background job to run.
type DispatchRequest struct {
	Type      string            `json:"type"` // command | http | agent
	Source    string            `json:"source,omitempty"`
	Job       string            `json:"job,omitempty"`
	Command   string            `json:"command,omitempty"`
	URL       string            `json:"url,omitempty"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Vars      map[string]any    `json:"vars,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
}

// JobsPlugin lets the model dispatch background jobs and poll their status.
type JobsPlugin struct {
	dispatcher JobDispatcher
	store      *store.Store
}

// NewJobsPlugin creates the jobs plugin.
func NewJobsPlugin(dispatcher JobDispatcher, st *store.Store) *JobsPlugin {
	return &JobsPlugin{dispatcher: dispatcher, store: st}
}

func (p *JobsPlugin) Name() string { return "jobs" }

func (p *JobsPlugin) AllTools() []router.ToolDefinition {
	return []router.ToolDefinition{
		{
			Name:        "dispatch_job",
			Description: "Dispatch a background job to a worker. Returns the job id immediately; the job runs asynchronously.",
			InputSchema: schema(`{"type":"object","properties":{"type":{"type":"string","enum":["command","http","agent"],"description":"Job type"},"command":{"type":"string","description":"Shell command for command jobs"},"url":{"type":"string","description":"Target URL for http jobs"},"method":{"type":"string","description":"HTTP method, defaults to GET"},"job":{"type":"string","description":"Prompt for agent jobs"},"vars":{"type":"object","description":"Variables passed to the job"},"timeoutMs":{"type":"integer","description":"Per-job timeout in milliseconds"}},"required":["type"]}`),
		},
		{
			Name:        "job_status",
			Description: "Look up the status and result of a previously dispatched job.",
			InputSchema: schema(`{"type":"object","properties":{"jobId":{"type":"string","description":"Job id returned by dispatch_job"}},"required":["jobId"]}`),
		},
	}
}

func (p *JobsPlugin) HasTool(name string) bool {
	return name == "dispatch_job" || name == "job_status"
}

func (p *JobsPlugin) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	switch name {
	case "dispatch_job":
		var req DispatchRequest
		if err := json.Unmarshal(input, &req); err != nil {
			return "", brainerrors.Validationf("dispatch_job: invalid input: %v", err)
		}
		if req.Source == "" {
			req.Source = "agent"
		}
		jobID, err := p.dispatcher.DispatchJob(ctx, &req)
		if err != nil {
			return "", &brainerrors.ToolExecutionError{Tool: name, Msg: err.Error()}
		}
		if c := CollectorFrom(ctx); c != nil {
			c.Add(jobID)
		}
		return fmt.Sprintf("dispatched job %s", jobID), nil

	case "job_status":
		var args struct {
			JobID string `json:"jobId"`
		}
		if err := json.Unmarshal(input, &args); err != nil || args.JobID == "" {
			return "", brainerrors.Validationf("job_status: jobId is required")
		}
		job, err := p.store.GetJob(ctx, args.JobID)
		if err != nil {
			return "", &brainerrors.ToolExecutionError{Tool: name, Msg: err.Error()}
		}
		out := fmt.Sprintf("job %s: %s", job.JobID, job.Status)
		if job.Result != "" {
			out += "\nresult: " + job.Result
		}
		if job.Error != "" {
			out += "\nerror: " + job.Error
		}
		return out, nil

	default:
		return "", &brainerrors.ToolExecutionError{Tool: name, Msg: "unknown jobs tool"}
	}
}

func (p *JobsPlugin) HandleTrigger(ctx context.Context, trigger string, payload json.RawMessage) error {
	return nil
}
