package plugins

import (
	"context"
	"sync"
)

// JobIDCollector gathers the ids of jobs dispatched during one agent turn so
// the loop can report them in its done event.
type JobIDCollector struct {
	mu  sync.Mutex
	ids []string
}

// Add records a dispatched job id.
func (c *JobIDCollector) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

// IDs returns the collected ids in dispatch order.
func (c *JobIDCollector) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

type collectorKey struct{}

// WithJobIDCollector attaches a fresh collector to the context.
func WithJobIDCollector(ctx context.Context) (context.Context, *JobIDCollector) {
	c := &JobIDCollector{}
	return context.WithValue(ctx, collectorKey{}, c), c
}

// CollectorFrom returns the turn's collector, or nil when none is attached.
func CollectorFrom(ctx context.Context) *JobIDCollector {
	c, _ := ctx.Value(collectorKey{}).(*JobIDCollector)
	return c
}
