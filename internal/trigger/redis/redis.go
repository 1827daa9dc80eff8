// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package redis subscribes to a Redis pub/sub channel for trigger messages.
package redis

import (
	"context"
	"errors"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/plugrun/plugrun/internal/trigger"
)

// DefaultChannel is the channel subscribed to when none is configured.
const DefaultChannel = "plugrun.plugins"

// errSubscriptionClosed is returned by Receive once the subscription ends.
var errSubscriptionClosed = errors.New("redis subscription closed")

// Config selects the server and channel.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Transport is a trigger.Transport over Redis pub/sub.
type Transport struct {
	cfg Config

	mu     sync.Mutex
	client *goredis.Client
	pubsub *goredis.PubSub
	msgs   <-chan *goredis.Message
}

// Compile-time interface check.
var _ trigger.Transport = (*Transport)(nil)

// New creates a transport. Nothing connects until Connect.
func New(cfg Config) *Transport {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	return &Transport{cfg: cfg}
}

// Name returns the subscribed channel.
func (t *Transport) Name() string { return "redis:" + t.cfg.Channel }

// Connect pings the server and subscribes to the channel.
func (t *Transport) Connect(ctx context.Context) error {
	client := goredis.NewClient(&goredis.Options{
		Addr:     t.cfg.Addr,
		Password: t.cfg.Password,
		DB:       t.cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return oops.In("redis").Code("TRIGGER_CONNECT_FAILED").With("addr", t.cfg.Addr).Wrap(err)
	}

	pubsub := client.Subscribe(ctx, t.cfg.Channel)
	// The first reply confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return oops.In("redis").Code("TRIGGER_CONNECT_FAILED").
			With("addr", t.cfg.Addr).
			With("channel", t.cfg.Channel).
			Wrap(err)
	}

	t.mu.Lock()
	t.client, t.pubsub, t.msgs = client, pubsub, pubsub.Channel()
	t.mu.Unlock()
	return nil
}

// Receive returns the next message payload.
func (t *Transport) Receive(ctx context.Context) (string, error) {
	t.mu.Lock()
	msgs := t.msgs
	t.mu.Unlock()
	if msgs == nil {
		return "", oops.In("redis").Errorf("not connected")
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case msg, ok := <-msgs:
		if !ok {
			return "", oops.In("redis").With("channel", t.cfg.Channel).Wrap(errSubscriptionClosed)
		}
		return msg.Payload, nil
	}
}

// Close unsubscribes and closes the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	if t.pubsub != nil {
		errs = append(errs, t.pubsub.Close())
	}
	if t.client != nil {
		errs = append(errs, t.client.Close())
	}
	t.client, t.pubsub, t.msgs = nil, nil, nil
	if err := errors.Join(errs...); err != nil {
		return oops.In("redis").Wrap(err)
	}
	return nil
}
