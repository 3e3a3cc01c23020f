// Package ingest feeds camera detections from the movements topic into the reconciler.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"anpr-reconciler/internal/domain/parking"
	"anpr-reconciler/internal/service"
)

const sourceStream = "kafka"

// Ingester is the slice of the reconciliation service the consumer needs.
type Ingester interface {
	IngestMovement(ctx context.Context, payload parking.MovementPayload, source string) (*service.IngestResult, error)
}

// RecordSource is satisfied by *kgo.Client.
type RecordSource interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// Consumer commits a record once it is ingested or found to be permanently malformed.
// Transient failures are retried in place; on shutdown the record stays uncommitted and
// is redelivered to the next group member. A redelivery of an already stored detection
// is recognised by ingest and leaves the timeline alone.
type Consumer struct {
	source     RecordSource
	ingester   Ingester
	log        zerolog.Logger
	newBackOff func() backoff.BackOff
}

func NewConsumer(source RecordSource, ingester Ingester, log zerolog.Logger) *Consumer {
	return &Consumer{
		source:   source,
		ingester: ingester,
		log:      log.With().Str("component", "ingest_consumer").Logger(),
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 100 * time.Millisecond
			policy.MaxInterval = 10 * time.Second
			policy.MaxElapsedTime = 0
			return policy
		},
	}
}

// NewClient builds the consumer group client for the movements topic.
func NewClient(brokers []string, group, topic string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return client, nil
}

// Run polls until ctx is cancelled or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Msg("movement consumer started")
	for {
		if err := c.PollOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, kgo.ErrClientClosed) {
				c.log.Info().Msg("movement consumer stopped")
				return nil
			}
			return err
		}
	}
}

// PollOnce handles one fetch batch and commits what was processed.
func (c *Consumer) PollOnce(ctx context.Context) error {
	fetches := c.source.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return kgo.ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fetches.EachError(func(topic string, partition int32, err error) {
		c.log.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
	})

	done := make([]*kgo.Record, 0, fetches.NumRecords())
	var stopErr error
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()
		if err := c.handle(ctx, record); err != nil {
			stopErr = err
			break
		}
		done = append(done, record)
	}

	if len(done) > 0 {
		// Commit with a fresh context so progress survives a shutdown mid-batch.
		commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.source.CommitRecords(commitCtx, done...); err != nil {
			c.log.Error().Err(err).Int("records", len(done)).Msg("failed to commit offsets")
		}
	}
	return stopErr
}

func (c *Consumer) handle(ctx context.Context, record *kgo.Record) error {
	log := c.log.With().
		Str("topic", record.Topic).
		Int32("partition", record.Partition).
		Int64("offset", record.Offset).
		Logger()

	var payload parking.MovementPayload
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		log.Warn().Err(err).Msg("skipping undecodable movement record")
		return nil
	}

	attempt := func() error {
		_, err := c.ingester.IngestMovement(ctx, payload, sourceStream)
		if errors.Is(err, service.ErrInvalidInput) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Warn().Err(err).Msg("movement ingest failed, retrying")
		}
		return err
	}

	err := backoff.Retry(attempt, backoff.WithContext(c.newBackOff(), ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrInvalidInput):
		log.Warn().Err(err).
			Str("site_id", payload.SiteID).
			Str("vrm", payload.Plate).
			Msg("skipping invalid movement record")
		return nil
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("ingest record %s/%d@%d: %w", record.Topic, record.Partition, record.Offset, err)
	}
}
