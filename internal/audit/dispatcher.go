// Package audit forwards correction records to the audit log without holding up the
// request that produced them.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"anpr-reconciler/internal/domain/parking"
	"anpr-reconciler/internal/metrics"
)

// Publisher delivers one correction to the audit log.
type Publisher interface {
	Publish(ctx context.Context, c parking.Correction) error
}

// Dispatcher buffers corrections and hands them to a Publisher from a background worker.
// Notify never blocks; when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	publisher Publisher
	inbox     chan parking.Correction
	log       zerolog.Logger
	timeout   time.Duration
}

func NewDispatcher(publisher Publisher, bufferSize int, log zerolog.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Dispatcher{
		publisher: publisher,
		inbox:     make(chan parking.Correction, bufferSize),
		log:       log.With().Str("component", "audit_dispatcher").Logger(),
		timeout:   5 * time.Second,
	}
}

func (d *Dispatcher) Notify(c parking.Correction) {
	select {
	case d.inbox <- c:
	default:
		metrics.AuditDropped.Inc()
		d.log.Warn().
			Str("correction_id", c.ID).
			Str("movement_id", c.MovementID).
			Str("kind", string(c.Kind)).
			Msg("audit buffer full, correction event dropped")
	}
}

// Run drains the buffer until ctx is cancelled, then flushes what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return nil
		case c := <-d.inbox:
			d.publish(context.Background(), c)
		}
	}
}

func (d *Dispatcher) flush() {
	for {
		select {
		case c := <-d.inbox:
			d.publish(context.Background(), c)
		default:
			return
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, c parking.Correction) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.publisher.Publish(ctx, c); err != nil {
		metrics.AuditPublishFailures.Inc()
		d.log.Error().
			Err(err).
			Str("correction_id", c.ID).
			Str("movement_id", c.MovementID).
			Str("site_id", c.SiteID).
			Str("vrm", c.VRM).
			Msg("failed to publish correction to audit log")
	}
}

// LogPublisher writes corrections to the service log. Used when no broker is configured.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log.With().Str("component", "audit").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, c parking.Correction) error {
	p.log.Info().
		Str("correction_id", c.ID).
		Str("movement_id", c.MovementID).
		Str("site_id", c.SiteID).
		Str("vrm", c.VRM).
		Str("kind", string(c.Kind)).
		Str("from_direction", string(c.FromDirection)).
		Str("to_direction", string(c.ToDirection)).
		Str("reason", c.Reason).
		Str("operator", c.Operator).
		Time("corrected_at", c.CreatedAt).
		Msg("movement corrected")
	return nil
}
