// Package notify carries import lifecycle events out of the process: Kafka
// for downstream consumers and view-refresh requests, Redis for progress
// fan-out between API and worker processes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
)

// Source identifies this service in message headers.
const Source = "fiscal-import"

// messageWriter is the part of *kafka.Writer the publishers use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a synchronous writer that waits for every in-sync
// replica to acknowledge each message.
func NewWriter(brokers []string, topic string, timeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: timeout,
	}
}

// Envelope wraps every message this package writes.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func newMessage(key, eventType string, data any) (kafka.Message, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    Source,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "source", Value: []byte(Source)},
		},
	}, nil
}

// KafkaPublisher writes job lifecycle events keyed by job id, so every
// event of a job lands on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	// Progress events are skipped unless set; lifecycle events always go out.
	progress bool
}

var _ core.Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher returns a publisher on w. includeProgress also forwards
// per-chunk progress events.
func NewKafkaPublisher(w messageWriter, includeProgress bool) *KafkaPublisher {
	return &KafkaPublisher{writer: w, progress: includeProgress}
}

// Publish implements core.Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, ev core.Event) error {
	if ev.Type == core.EventProgress && !p.progress {
		return nil
	}
	msg, err := newMessage(ev.JobID, "import."+string(ev.Type), ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s event for job %s: %w", ev.Type, ev.JobID, err)
	}
	slog.Debug("import event published", "job_id", ev.JobID, "type", ev.Type)
	return nil
}

// Close closes the writer.
func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// RefreshRequest asks the reporting side to rebuild views for a period.
type RefreshRequest struct {
	JobID     string `json:"job_id"`
	CompanyID string `json:"company_id"`
	Branch    string `json:"branch"`
	Period    string `json:"period"`
}

// KafkaRefresher signals view refresh through a topic. The refresh counts
// as done once the brokers acknowledge the request.
type KafkaRefresher struct {
	writer messageWriter
}

var _ core.Refresher = (*KafkaRefresher)(nil)

// NewKafkaRefresher returns a refresher writing to w.
func NewKafkaRefresher(w messageWriter) *KafkaRefresher {
	return &KafkaRefresher{writer: w}
}

// Refresh implements core.Refresher.
func (r *KafkaRefresher) Refresh(ctx context.Context, job *core.Job) error {
	msg, err := newMessage(job.Branch+"|"+job.Period, "import.refresh_views", RefreshRequest{
		JobID:     job.ID,
		CompanyID: job.CompanyID,
		Branch:    job.Branch,
		Period:    job.Period,
	})
	if err != nil {
		return err
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("request view refresh: %w", err)
	}
	slog.Info("view refresh requested", "job_id", job.ID, "branch", job.Branch, "period", job.Period)
	return nil
}

// Close closes the writer.
func (r *KafkaRefresher) Close() error { return r.writer.Close() }
