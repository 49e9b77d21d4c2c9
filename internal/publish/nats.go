package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/wreckage-engine/internal/metrics"
)

// StreamName is the JetStream stream holding outbound settlement events.
const StreamName = "WRECKAGE_SETTLEMENTS"

// streamPublisher is the subset of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher forwards events to JetStream subjects "{prefix}.{type}".
// Events are queued and published by Run; a full queue drops the event.
type NATSPublisher struct {
	js     streamPublisher
	prefix string
	queue  chan Event
}

func NewNATSPublisher(js jetstream.JetStream, prefix string, buffer int) *NATSPublisher {
	return newNATSPublisher(js, prefix, buffer)
}

func newNATSPublisher(js streamPublisher, prefix string, buffer int) *NATSPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &NATSPublisher{js: js, prefix: prefix, queue: make(chan Event, buffer)}
}

func (p *NATSPublisher) Publish(_ context.Context, evt Event) {
	select {
	case p.queue <- evt:
	default:
		metrics.PublishedEvents.WithLabelValues("nats", "dropped").Inc()
		slog.Warn("nats publish queue full, dropping event", "type", evt.Type, "event_id", evt.EventID)
	}
}

// Run drains the queue until ctx is cancelled.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-p.queue:
			if err := p.send(ctx, evt); err != nil {
				// Non-fatal: consumers can reconcile from the audit log.
				metrics.PublishedEvents.WithLabelValues("nats", "failed").Inc()
				slog.Warn("nats publish failed", "type", evt.Type, "event_id", evt.EventID, "error", err)
				continue
			}
			metrics.PublishedEvents.WithLabelValues("nats", "published").Inc()
		}
	}
}

func (p *NATSPublisher) subject(evt Event) string {
	return fmt.Sprintf("%s.%s", p.prefix, evt.Type)
}

func (p *NATSPublisher) send(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	opts := []jetstream.PublishOpt{}
	if evt.EventID != "" {
		// Dedupe on the server if the same settlement state is re-sent.
		opts = append(opts, jetstream.WithMsgID(evt.EventID+":"+evt.State))
	}
	_, err = p.js.Publish(ctx, p.subject(evt), data, opts...)
	return err
}

// EnsureStream creates or updates the outbound stream for prefix.
func EnsureStream(ctx context.Context, js jetstream.JetStream, prefix string, maxAge time.Duration) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	slog.Info("ensured outbound stream", "stream", StreamName, "subjects", prefix+".>")
	return nil
}

// Connect opens a reconnecting NATS connection and a JetStream context.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("wreckage-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
