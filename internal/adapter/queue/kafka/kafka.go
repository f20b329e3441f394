// Package kafka adapts a Kafka/Redpanda consumer group to the queue
// dispatcher. Offsets are committed manually: a message is committed on
// Complete and on Abandon alike, matching at-most-once redelivery for
// rows already materialized in the store.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/jobu/internal/domain"
)

// Config holds broker connection settings.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Adapter implements domain.QueueAdapter on top of franz-go.
type Adapter struct {
	cfg    Config
	client *kgo.Client
}

// New builds an unconnected adapter.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

// Connect creates the consumer group client.
func (a *Adapter) Connect(ctx context.Context) error {
	if len(a.cfg.Brokers) == 0 {
		return fmt.Errorf("op=kafka.connect: no seed brokers provided")
	}
	if a.cfg.GroupID == "" {
		return fmt.Errorf("op=kafka.connect: missing required group ID")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(a.cfg.Brokers...),
		kgo.ConsumerGroup(a.cfg.GroupID),
		kgo.ConsumeTopics(a.cfg.Topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("op=kafka.connect: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("op=kafka.connect: %w", err)
	}
	a.client = client
	slog.Info("kafka adapter connected",
		slog.Any("brokers", a.cfg.Brokers),
		slog.String("topic", a.cfg.Topic),
		slog.String("group_id", a.cfg.GroupID))
	return nil
}

// Disconnect closes the client.
func (a *Adapter) Disconnect(_ context.Context) error {
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	slog.Info("kafka adapter disconnected")
	return nil
}

// Receive starts a poll loop and returns the message channel. The
// channel closes when ctx is cancelled.
func (a *Adapter) Receive(ctx context.Context) (<-chan domain.QueueMessage, error) {
	if a.client == nil {
		return nil, fmt.Errorf("op=kafka.receive: adapter not connected")
	}
	out := make(chan domain.QueueMessage)
	go func() {
		defer close(out)
		for {
			fetches := a.client.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				slog.Error("kafka fetch error",
					slog.String("topic", topic),
					slog.Int("partition", int(partition)),
					slog.Any("error", err))
			})
			fetches.EachRecord(func(rec *kgo.Record) {
				msg, err := decodeRecord(rec)
				if err != nil {
					// Undecodable payloads are committed and dropped; they
					// will never parse on redelivery either.
					slog.Warn("dropping undecodable record",
						slog.String("topic", rec.Topic),
						slog.Int64("offset", rec.Offset),
						slog.Any("error", err))
					if cerr := a.client.CommitRecords(ctx, rec); cerr != nil {
						slog.Error("failed to commit dropped record", slog.Any("error", cerr))
					}
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
				}
			})
		}
	}()
	return out, nil
}

// Complete commits the record's offset.
func (a *Adapter) Complete(ctx context.Context, msg domain.QueueMessage) error {
	return a.commit(ctx, msg, "complete")
}

// Abandon also commits the offset. The execution row either exists
// already or the message was judged unrecoverable; redelivery would not
// help, and the dispatcher logs the failure for operators.
func (a *Adapter) Abandon(ctx context.Context, msg domain.QueueMessage) error {
	return a.commit(ctx, msg, "abandon")
}

func (a *Adapter) commit(ctx context.Context, msg domain.QueueMessage, op string) error {
	rec, ok := msg.Ack.(*kgo.Record)
	if !ok {
		return fmt.Errorf("op=kafka.%s: message has no kafka record handle", op)
	}
	if err := a.client.CommitRecords(ctx, rec); err != nil {
		return fmt.Errorf("op=kafka.%s offset=%d: %w", op, rec.Offset, err)
	}
	return nil
}

// payload is the accepted message body. "handler" is the legacy key for
// the handler name.
type payload struct {
	HandlerName   string         `json:"handler_name"`
	LegacyHandler string         `json:"handler"`
	Params        map[string]any `json:"params"`
	JobID         *int64         `json:"job_id"`
}

func decodeRecord(rec *kgo.Record) (domain.QueueMessage, error) {
	var p payload
	if err := json.Unmarshal(rec.Value, &p); err != nil {
		return domain.QueueMessage{}, fmt.Errorf("op=kafka.decode: %w", err)
	}
	name := p.HandlerName
	if name == "" {
		name = p.LegacyHandler
	}
	if name == "" {
		return domain.QueueMessage{}, fmt.Errorf("op=kafka.decode: missing handler name")
	}
	params := p.Params
	if params == nil {
		params = map[string]any{}
	}
	return domain.QueueMessage{
		HandlerName: name,
		Params:      params,
		JobID:       p.JobID,
		Ack:         rec,
	}, nil
}
