// Package bus wraps the NATS connection and the durable JetStream job
// stream. Dispatch rides JetStream for at-least-once delivery; status,
// transfer, and heartbeat traffic rides core NATS.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Client owns the bus connection. One Client is shared by the dispatcher,
// workers, status tracker, and transfer handler.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect dials the bus and ensures the JOBS stream exists.
func Connect(ctx context.Context, url, name string, logger *slog.Logger) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	c := &Client{nc: nc, js: js, logger: logger}
	if err := c.ensureJobStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureJobStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamJobs,
		Subjects:  []string{SubjectJobDispatch},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		// Dedup window for msgID = jobId redeliveries from the dispatcher.
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure %s stream: %w", StreamJobs, err)
	}
	return nil
}

// WorkerConsumer creates or looks up the durable WORKERS consumer.
func (c *Client) WorkerConsumer(ctx context.Context) (jetstream.Consumer, error) {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, StreamJobs, jetstream.ConsumerConfig{
		Durable:       ConsumerWorkers,
		FilterSubject: SubjectJobDispatch,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       60 * time.Second,
		MaxDeliver:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure %s consumer: %w", ConsumerWorkers, err)
	}
	return consumer, nil
}

// PublishJob publishes a dispatch to the JOBS stream with msgID = jobId so
// the stream deduplicates redeliveries.
func (c *Client) PublishJob(ctx context.Context, dispatch *JobDispatch) error {
	data, err := json.Marshal(dispatch)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch: %w", err)
	}
	_, err = c.js.Publish(ctx, SubjectJobDispatch, data, jetstream.WithMsgID(dispatch.JobID))
	if err != nil {
		return fmt.Errorf("failed to publish dispatch: %w", err)
	}
	return nil
}

// PublishJSON publishes a JSON payload on a core-NATS subject.
func (c *Client) PublishJSON(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", subject, err)
	}
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishJobStatus publishes a status event on the per-job subject.
func (c *Client) PublishJobStatus(status *JobStatus) error {
	return c.PublishJSON(JobStatusSubject(status.JobID), status)
}

// Subscribe registers a core-NATS handler. Wildcard subjects are allowed.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Flush waits for pending publishes to reach the server.
func (c *Client) Flush() error {
	return c.nc.Flush()
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("bus drain failed", "error", err)
		c.nc.Close()
	}
}
