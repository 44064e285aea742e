package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
)

const DLQType = "delivery.dlq"

// DeadLetter is published once a job has exhausted its attempts.
type DeadLetter struct {
	Type       string  `json:"type"`    // "delivery.dlq"
	Version    string  `json:"version"` // schema version
	At         string  `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string  `json:"reason"`  // classified failure reason
	Attempt    int     `json:"attempt"` // attempt count when DLQ'd
	HTTPStatus int     `json:"http_status,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
	Payload    Payload `json:"payload"` // full delivery snapshot
}

func NewDeadLetter(p Payload, attempt, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Payload:    p,
	}
}

// DeadLetterPublisher receives exhausted deliveries.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

// producer is the subset of *nsq.Producer used here.
type producer interface {
	Publish(topic string, body []byte) error
	Ping() error
	Stop()
}

// NSQPublisher writes dead letters to an NSQ topic.
type NSQPublisher struct {
	producer producer
	topic    string
}

func NewNSQPublisher(nsqdAddr, topic string) (*NSQPublisher, error) {
	p, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	p.SetLoggerLevel(nsq.LogLevelWarning)
	return &NSQPublisher{producer: p, topic: topic}, nil
}

func (n *NSQPublisher) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := n.producer.Publish(n.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", n.topic, err)
	}
	return nil
}

func (n *NSQPublisher) Topic() string { return n.topic }

// Ping satisfies health.Pinger.
func (n *NSQPublisher) Ping(ctx context.Context) error {
	return n.producer.Ping()
}

func (n *NSQPublisher) Stop() { n.producer.Stop() }
