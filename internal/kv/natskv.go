package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSStore backs a Store with a JetStream KeyValue bucket, for deployments
// where session state must survive process restarts or be shared by replicas.
// Bucket TTL gives the sliding expiry: every Put resets the key's age.
type NATSStore struct {
	nc     *nats.Conn
	bucket jetstream.KeyValue
}

// NATSConfig holds connection settings for the JetStream KV backend.
type NATSConfig struct {
	URL           string
	Bucket        string
	TTL           time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns connection defaults for a local NATS server.
func DefaultNATSConfig(bucket string, ttl time.Duration) NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Bucket:        bucket,
		TTL:           ttl,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NewNATSStore connects to NATS and creates or binds the KeyValue bucket.
func NewNATSStore(ctx context.Context, config NATSConfig) (*NATSStore, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: config.Bucket,
		TTL:    config.TTL,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create KV bucket %s: %w", config.Bucket, err)
	}

	log.Info().
		Str("bucket", config.Bucket).
		Dur("ttl", config.TTL).
		Msg("JetStream KV bucket ready")

	return &NATSStore{nc: nc, bucket: bucket}, nil
}

func (n *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := n.bucket.Get(ctx, natsKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), nil
}

func (n *NATSStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := n.bucket.Put(ctx, natsKey(key), value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (n *NATSStore) Create(ctx context.Context, key string, value []byte) error {
	if _, err := n.bucket.Create(ctx, natsKey(key), value); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrKeyExists
		}
		return fmt.Errorf("kv create %s: %w", key, err)
	}
	return nil
}

func (n *NATSStore) Delete(ctx context.Context, key string) error {
	if err := n.bucket.Purge(ctx, natsKey(key)); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Close drains the NATS connection.
func (n *NATSStore) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}

// natsKey maps logical keys like "session:abc" onto the KV key charset, which
// does not allow colons.
func natsKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}
