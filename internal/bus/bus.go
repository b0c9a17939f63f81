// Package bus publishes archived tasks and escalations to NATS so other
// processes can follow the engine without reading its files.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/rlm/internal/archive"
	"github.com/vinayprograms/rlm/internal/escalation"
)

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// ArchiveMessage is the payload published for a finished task. The event
// journal stays on disk; subscribers get the outcome and the final record.
type ArchiveMessage struct {
	TaskID     string    `json:"task_id"`
	Prompt     string    `json:"prompt"`
	Status     string    `json:"status"`
	Outcome    string    `json:"outcome"`
	Directive  string    `json:"directive"`
	Summary    string    `json:"summary"`
	Record     string    `json:"record"`
	Events     int       `json:"events"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Publisher implements archive.Archiver and escalation.Notifier.
type Publisher struct {
	conn            Conn
	archiveSubject  string
	escalateSubject string
	logger          *logging.Logger
}

// Connect dials url and returns a publisher.
func Connect(url, archiveSubject, escalateSubject string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("rlm"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return New(nc, archiveSubject, escalateSubject), nil
}

// New wraps an existing connection.
func New(conn Conn, archiveSubject, escalateSubject string) *Publisher {
	return &Publisher{
		conn:            conn,
		archiveSubject:  archiveSubject,
		escalateSubject: escalateSubject,
		logger:          logging.New().WithComponent("bus"),
	}
}

// Archive publishes e and waits for the server to acknowledge the flush.
func (p *Publisher) Archive(ctx context.Context, e archive.Entry) error {
	msg := ArchiveMessage{
		TaskID:     e.Task.ID,
		Prompt:     e.Task.Prompt,
		Status:     string(e.Status),
		Outcome:    string(e.Task.Outcome),
		Directive:  e.Directive,
		Summary:    e.Summary,
		Record:     e.Record,
		Events:     len(e.Events),
		ArchivedAt: e.ArchivedAt,
	}
	return p.publish(ctx, p.archiveSubject, msg)
}

// Escalate implements escalation.Notifier.
func (p *Publisher) Escalate(ctx context.Context, n escalation.Notice) error {
	return p.publish(ctx, p.escalateSubject, n)
}

func (p *Publisher) publish(ctx context.Context, subject string, v interface{}) error {
	if subject == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", subject, err)
	}
	p.logger.Debug("published", map[string]interface{}{"subject": subject, "bytes": len(data)})
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
