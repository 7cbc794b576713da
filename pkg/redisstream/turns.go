// Package redisstream publishes recorded turns to a Redis stream through
// watermill so other processes can follow an experiment live.
package redisstream

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/fluxloop/pkg/turns"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// TurnEvent is the payload of one published message.
type TurnEvent struct {
	ExperimentID string `json:"experiment_id"`
	turns.Record
}

// TurnPublisher is a turns.Sink publishing every turn as a watermill message.
type TurnPublisher struct {
	pub          message.Publisher
	topic        string
	experimentID string
	closers      []func() error
}

var _ turns.Sink = (*TurnPublisher)(nil)

// NewTurnPublisher connects to Redis and returns a publisher for the
// configured topic.
func NewTurnPublisher(s Settings, experimentID string) (*TurnPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	p := NewTurnPublisherWith(pub, s.topic(), experimentID)
	p.closers = append(p.closers, client.Close)
	return p, nil
}

// NewTurnPublisherWith publishes through an existing watermill publisher.
func NewTurnPublisherWith(pub message.Publisher, topic string, experimentID string) *TurnPublisher {
	return &TurnPublisher{
		pub:          pub,
		topic:        topic,
		experimentID: experimentID,
		closers:      []func() error{pub.Close},
	}
}

func (p *TurnPublisher) HandleTurn(ctx context.Context, rec turns.Record) error {
	payload, err := json.Marshal(TurnEvent{ExperimentID: p.experimentID, Record: rec})
	if err != nil {
		return errors.Wrap(err, "encode turn event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("experiment_id", p.experimentID)
	msg.Metadata.Set("run_id", rec.RunID)
	msg.Metadata.Set("turn_id", rec.TurnID)
	msg.Metadata.Set("role", rec.Role)
	msg.SetContext(ctx)
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return errors.Wrapf(err, "publish turn %s", rec.TurnID)
	}
	return nil
}

func (p *TurnPublisher) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	p.closers = nil
	return first
}

// DecodeTurnEvent decodes a published message.
func DecodeTurnEvent(msg *message.Message) (TurnEvent, error) {
	var ev TurnEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return TurnEvent{}, errors.Wrap(err, "decode turn event")
	}
	return ev, nil
}

// Subscribe tails the turn topic through a consumer group. The group is
// created at the stream tail first so history is not replayed.
func Subscribe(ctx context.Context, s Settings) (<-chan *message.Message, func() error, error) {
	if err := EnsureGroupAtTail(ctx, s.Addr, s.topic(), s.Group); err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "create redis stream subscriber")
	}
	ch, err := sub.Subscribe(ctx, s.topic())
	if err != nil {
		_ = sub.Close()
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "subscribe")
	}
	closeFn := func() error {
		err := sub.Close()
		if cerr := client.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return ch, closeFn, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it does not exist yet.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
