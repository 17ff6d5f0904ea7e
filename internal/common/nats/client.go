// Package nats wraps a NATS connection and its JetStream context.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

type Config struct {
	URL  string
	Name string
}

type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	log  zerolog.Logger
}

// Connect dials the server with reconnect handlers that log state changes.
func Connect(cfg Config, log zerolog.Logger) (*Client, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Client{conn: conn, js: js, log: log}, nil
}

// Publish sends a core NATS message. Delivery is at-most-once.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// JetStream exposes the JetStream context for KV buckets.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// KeyValue creates or updates a KV bucket and returns it.
func (c *Client) KeyValue(ctx context.Context, bucket, description string) (jetstream.KeyValue, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: description,
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Close drains pending publishes before closing.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("nats drain failed")
		c.conn.Close()
	}
}
