// Package publish broadcasts task snapshots to live observers. Delivery is
// best effort: no error or panic from a transport ever reaches the caller.
package publish

import (
	"encoding/json"
	"log/slog"

	"github.com/pulce2011/GPU-Code-Runner/internal/logging"
	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

// Transport delivers a payload to every subscriber of channel.
type Transport interface {
	Publish(channel string, payload []byte) error
}

// Publisher sends task snapshots over a Transport. A nil transport makes
// every Publish a no-op.
type Publisher struct {
	transport Transport
	logger    *slog.Logger
}

// NewPublisher creates a Publisher. transport may be nil.
func NewPublisher(transport Transport, logger *slog.Logger) *Publisher {
	return &Publisher{
		transport: transport,
		logger:    logging.Component(logger, "publisher"),
	}
}

// Publish sends the task's current state to its channel.
func (p *Publisher) Publish(task *model.Task) {
	if p == nil || p.transport == nil || task == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Debug("publish panic", "task_id", task.ID, "panic", r)
		}
	}()

	payload, err := json.Marshal(task)
	if err != nil {
		p.logger.Debug("publish encode", "task_id", task.ID, "error", err)
		return
	}
	if err := p.transport.Publish(task.Channel(), payload); err != nil {
		p.logger.Debug("publish", "task_id", task.ID, "error", err)
	}
}
