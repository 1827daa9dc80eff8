// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package kafka consumes trigger messages from a Kafka topic as a member of
// a consumer group.
package kafka

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/plugrun/plugrun/internal/trigger"
)

// Defaults applied by New.
const (
	DefaultTopic   = "plugrun.plugins"
	DefaultGroupID = "plugrun-host"
	dialTimeout    = 10 * time.Second
)

// Config selects the brokers, topic and consumer group.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// MessageReader is the subset of *kafkago.Reader the transport uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// ReaderFactory builds a reader for a config.
type ReaderFactory func(cfg Config) MessageReader

// BrokerCheck verifies that a broker is reachable.
type BrokerCheck func(ctx context.Context, broker string) error

// Transport is a trigger.Transport over a Kafka consumer group.
type Transport struct {
	cfg       Config
	newReader ReaderFactory
	check     BrokerCheck

	mu     sync.Mutex
	reader MessageReader
}

// Compile-time interface check.
var _ trigger.Transport = (*Transport)(nil)

// Option configures the Transport.
type Option func(*Transport)

// WithReaderFactory replaces the kafka-go reader constructor.
func WithReaderFactory(f ReaderFactory) Option {
	return func(t *Transport) {
		t.newReader = f
	}
}

// WithBrokerCheck replaces the broker dial performed by Connect.
func WithBrokerCheck(c BrokerCheck) Option {
	return func(t *Transport) {
		t.check = c
	}
}

// New creates a transport. Nothing connects until Connect.
func New(cfg Config, opts ...Option) *Transport {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultGroupID
	}
	t := &Transport{
		cfg:       cfg,
		newReader: newReader,
		check:     dialBroker,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func newReader(cfg Config) MessageReader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

func dialBroker(ctx context.Context, broker string) error {
	dialer := &kafkago.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Name returns the topic and group.
func (t *Transport) Name() string {
	return "kafka:" + t.cfg.Topic + "/" + t.cfg.GroupID
}

// Connect checks that a broker answers, then joins the consumer group.
func (t *Transport) Connect(ctx context.Context) error {
	if len(t.cfg.Brokers) == 0 {
		return oops.In("kafka").Code("TRIGGER_CONNECT_FAILED").Errorf("no brokers configured")
	}
	var errs []error
	reachable := false
	for _, broker := range t.cfg.Brokers {
		if err := t.check(ctx, broker); err != nil {
			errs = append(errs, err)
			continue
		}
		reachable = true
		break
	}
	if !reachable {
		return oops.In("kafka").Code("TRIGGER_CONNECT_FAILED").
			With("brokers", strings.Join(t.cfg.Brokers, ",")).
			Wrap(errors.Join(errs...))
	}

	t.mu.Lock()
	t.reader = t.newReader(t.cfg)
	t.mu.Unlock()
	return nil
}

// Receive reads and commits the next message.
func (t *Transport) Receive(ctx context.Context) (string, error) {
	t.mu.Lock()
	reader := t.reader
	t.mu.Unlock()
	if reader == nil {
		return "", oops.In("kafka").Errorf("not connected")
	}
	msg, err := reader.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", oops.In("kafka").With("topic", t.cfg.Topic).Wrap(err)
	}
	return string(msg.Value), nil
}

// Close leaves the consumer group.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reader == nil {
		return nil
	}
	err := t.reader.Close()
	t.reader = nil
	if err != nil {
		return oops.In("kafka").Wrap(err)
	}
	return nil
}
