package plugins

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bakerst/bakerst/internal/store"
)

func TestUtilTime(t *testing.T) {
	p := NewUtilPlugin()
	p.now = func() time.Time {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	out, err := p.Execute(context.Background(), "util_time", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "2026-01-01T00:00:00Z" {
		t.Errorf("out = %q", out)
	}
}

func TestUtilEcho(t *testing.T) {
	p := NewUtilPlugin()

	out, err := p.Execute(context.Background(), "util_echo", json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q, want hello", out)
	}

	if _, err := p.Execute(context.Background(), "util_echo", json.RawMessage(`not json`)); err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestUtilHasTool(t *testing.T) {
	p := NewUtilPlugin()
	if !p.HasTool("util_time") || !p.HasTool("util_echo") {
		t.Error("util tools not reported")
	}
	if p.HasTool("dispatch_job") {
		t.Error("util plugin claims foreign tool")
	}
	if len(p.AllTools()) != 2 {
		t.Errorf("tool count = %d, want 2", len(p.AllTools()))
	}
}

type fakeDispatcher struct {
	lastReq *DispatchRequest
	jobID   string
	err     error
}

func (f *fakeDispatcher) DispatchJob(ctx context.Context, req *DispatchRequest) (string, error) {
	f.lastReq = req
	return f.jobID, f.err
}

func TestJobsDispatch(t *testing.T) {
	d := &fakeDispatcher{jobID: "job-1"}
	p := NewJobsPlugin(d, nil)

	out, err := p.Execute(context.Background(), "dispatch_job",
		json.RawMessage(`{"type":"command","command":"uptime"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "job-1") {
		t.Errorf("out = %q, want job id", out)
	}
	if d.lastReq.Type != "command" || d.lastReq.Command != "uptime" {
		t.Errorf("req = %+v", d.lastReq)
	}
	if d.lastReq.Source != "agent" {
		t.Errorf("source = %q, want agent default", d.lastReq.Source)
	}
}

func TestJobsStatus(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	job := &store.Job{JobID: "job-2", Type: "command", Source: "agent", Status: store.JobDispatched}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	p := NewJobsPlugin(&fakeDispatcher{}, st)
	out, err := p.Execute(ctx, "job_status", json.RawMessage(`{"jobId":"job-2"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "job-2") || !strings.Contains(out, store.JobDispatched) {
		t.Errorf("out = %q", out)
	}

	if _, err := p.Execute(ctx, "job_status", json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for missing jobId")
	}
}
