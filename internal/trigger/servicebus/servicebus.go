// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package servicebus receives trigger messages from an Azure Service Bus queue.
package servicebus

import (
	"context"
	"errors"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/samber/oops"

	"github.com/plugrun/plugrun/internal/trigger"
)

// DefaultQueue is the queue read when none is configured.
const DefaultQueue = "plugrun-plugins"

// Config selects the namespace and queue.
type Config struct {
	ConnectionString string
	Queue            string
}

// Receiver is the subset of *azservicebus.Receiver the transport uses.
type Receiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	Close(ctx context.Context) error
}

// ReceiverFactory opens a queue receiver. It returns a close function for
// any client the receiver depends on.
type ReceiverFactory func(cfg Config) (Receiver, func(context.Context) error, error)

// Transport is a trigger.Transport over a Service Bus queue.
type Transport struct {
	cfg  Config
	open ReceiverFactory

	mu          sync.Mutex
	receiver    Receiver
	closeClient func(context.Context) error
	pending     []*azservicebus.ReceivedMessage
}

// Compile-time interface check.
var _ trigger.Transport = (*Transport)(nil)

// Option configures the Transport.
type Option func(*Transport)

// WithReceiverFactory replaces the azservicebus receiver constructor.
func WithReceiverFactory(f ReceiverFactory) Option {
	return func(t *Transport) {
		t.open = f
	}
}

// New creates a transport. Nothing connects until Connect.
func New(cfg Config, opts ...Option) *Transport {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	t := &Transport{cfg: cfg, open: openReceiver}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func openReceiver(cfg Config) (Receiver, func(context.Context) error, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, nil, err
	}
	receiver, err := client.NewReceiverForQueue(cfg.Queue, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, nil, err
	}
	return receiver, client.Close, nil
}

// Name returns the queue name.
func (t *Transport) Name() string { return "servicebus:" + t.cfg.Queue }

// Connect opens the queue receiver.
func (t *Transport) Connect(_ context.Context) error {
	if t.cfg.ConnectionString == "" {
		return oops.In("servicebus").Code("TRIGGER_CONNECT_FAILED").Errorf("connection string is empty")
	}
	receiver, closeClient, err := t.open(t.cfg)
	if err != nil {
		return oops.In("servicebus").Code("TRIGGER_CONNECT_FAILED").With("queue", t.cfg.Queue).Wrap(err)
	}
	t.mu.Lock()
	t.receiver, t.closeClient = receiver, closeClient
	t.mu.Unlock()
	return nil
}

// Receive returns the body of the next message and completes it.
func (t *Transport) Receive(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.receiver == nil {
		return "", oops.In("servicebus").Errorf("not connected")
	}
	for len(t.pending) == 0 {
		msgs, err := t.receiver.ReceiveMessages(ctx, 1, nil)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", oops.In("servicebus").With("queue", t.cfg.Queue).Wrap(err)
		}
		t.pending = msgs
	}
	msg := t.pending[0]
	t.pending = t.pending[1:]
	if err := t.receiver.CompleteMessage(ctx, msg, nil); err != nil {
		return "", oops.In("servicebus").With("queue", t.cfg.Queue).With("message_id", msg.MessageID).Wrap(err)
	}
	return string(msg.Body), nil
}

// Close closes the receiver and its client.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx := context.Background()
	var errs []error
	if t.receiver != nil {
		errs = append(errs, t.receiver.Close(ctx))
	}
	if t.closeClient != nil {
		errs = append(errs, t.closeClient(ctx))
	}
	t.receiver, t.closeClient, t.pending = nil, nil, nil
	if err := errors.Join(errs...); err != nil {
		return oops.In("servicebus").Wrap(err)
	}
	return nil
}
