package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"anpr-reconciler/internal/domain/parking"
)

// KafkaPublisher produces each correction as a JSON record keyed by movement id, so all
// corrections of one movement land on the same partition in order.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

func NewKafkaPublisher(client *kgo.Client, topic string) *KafkaPublisher {
	return &KafkaPublisher{client: client, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, c parking.Correction) error {
	value, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode correction %s: %w", c.ID, err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(c.MovementID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(c.Kind)},
			{Key: "site_id", Value: []byte(c.SiteID)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce correction %s: %w", c.ID, err)
	}
	return nil
}
