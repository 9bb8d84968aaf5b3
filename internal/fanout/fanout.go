// Package fanout delivers one message to every connection of a document.
package fanout

import (
	"log/slog"

	"collabtext/internal/metrics"
	"collabtext/internal/registry"
)

// Members lists the connections of a document.
type Members interface {
	Members(documentID string) []registry.Member
}

// Failure is a connection that could not take a message. The caller owns
// the follow-up disconnect.
type Failure struct {
	Conn registry.Conn
	Err  error
}

// Broadcaster never stops on a failed recipient: every other member still
// gets the message.
type Broadcaster struct {
	members Members
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(members Members, logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{members: members, logger: logger, metrics: m}
}

// Broadcast sends msg to every member of documentID whose connection id is
// not exclude. Pass "" to include everyone.
func (b *Broadcaster) Broadcast(documentID string, msg []byte, exclude string) []Failure {
	var failed []Failure
	recipients := 0
	for _, m := range b.members.Members(documentID) {
		if m.Conn.ID() == exclude {
			continue
		}
		recipients++
		if err := m.Conn.Send(msg); err != nil {
			b.logger.Warn("broadcast delivery failed",
				"document_id", documentID,
				"connection_id", m.Conn.ID(),
				"error", err,
			)
			failed = append(failed, Failure{Conn: m.Conn, Err: err})
		}
	}
	b.metrics.Broadcast(recipients, len(failed))
	return failed
}

// Send delivers msg to a single connection.
func (b *Broadcaster) Send(conn registry.Conn, msg []byte) *Failure {
	if err := conn.Send(msg); err != nil {
		b.metrics.DeliveryFailed()
		b.logger.Debug("reply delivery failed", "connection_id", conn.ID(), "error", err)
		return &Failure{Conn: conn, Err: err}
	}
	return nil
}
