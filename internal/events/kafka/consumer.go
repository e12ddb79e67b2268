// Package kafka feeds domain events from a Kafka topic into the integration
// router.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"monunotify/internal/integration"
	logx "monunotify/pkg/logx"
)

type Config struct {
	Brokers        []string
	GroupID        string
	Topic          string
	MinBytes       int
	MaxBytes       int
	CommitInterval time.Duration
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev integration.Event) error
}

func NewReader(cfg Config) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 10e3
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = time.Second
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		CommitInterval: cfg.CommitInterval,
	}), nil
}

type Consumer struct {
	r   Reader
	d   Dispatcher
	log logx.Logger

	consumed atomic.Uint64
	rejected atomic.Uint64
}

func NewConsumer(r Reader, d Dispatcher, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{r: r, d: d, log: log.With(logx.String("comp", "kafka"))}
}

// Run consumes until ctx is cancelled. Undecodable or rejected events are
// logged and committed so one bad message cannot wedge the partition. A
// fetch or commit failure is returned for the caller to restart the loop.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("kafka consumer started")
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("kafka consumer stopped")
				return nil
			}
			return fmt.Errorf("fetching message: %w", err)
		}

		c.handle(ctx, m)

		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("committing offset %d: %w", m.Offset, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var ev integration.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		c.rejected.Add(1)
		c.log.Warn("undecodable event", logx.Int64("offset", m.Offset), logx.Err(err))
		return
	}
	if ev.UserID == "" {
		ev.UserID = string(m.Key)
	}
	if err := c.d.Dispatch(ctx, ev); err != nil {
		c.rejected.Add(1)
		c.log.Warn("event rejected", logx.String("kind", string(ev.Kind)), logx.Int64("offset", m.Offset), logx.Err(err))
		return
	}
	c.consumed.Add(1)
}

// Counts returns how many events were dispatched and rejected.
func (c *Consumer) Counts() (consumed, rejected uint64) {
	return c.consumed.Load(), c.rejected.Load()
}

func (c *Consumer) Close() error { return c.r.Close() }
