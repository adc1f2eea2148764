// Package events carries crawl coordination messages over NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Simerblur/online-data-mining/internal/config"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

// Stream names for JetStream.
const (
	StreamCrawl  = "CRAWL"
	StreamMovies = "MOVIES"
)

// Subjects.
const (
	SubjectPhaseRequested = "crawl.phase.requested"
	SubjectPhaseCompleted = "crawl.phase.completed"
	SubjectMovieFinalized = "movies.finalized"
)

// Config holds NATS connection configuration.
type Config struct {
	URL            string
	ClusterID      string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// DefaultConfig returns local development settings.
func DefaultConfig() Config {
	return Config{
		URL:            "nats://localhost:4222",
		ClusterID:      "movie-crawler",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// ConfigFrom maps the process configuration onto a client Config.
func ConfigFrom(cfg config.NATSConfig) Config {
	c := DefaultConfig()
	if cfg.URL != "" {
		c.URL = cfg.URL
	}
	if cfg.ClusterID != "" {
		c.ClusterID = cfg.ClusterID
	}
	return c
}

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config Config
	log    *logger.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription
}

// NewClient connects to NATS and opens a JetStream context.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Default()
	}

	c := &Client{
		config: cfg,
		log:    log.WithComponent("nats"),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	opts := []nats.Option{
		nats.Name(c.config.ClusterID),
		nats.MaxReconnects(c.config.MaxReconnects),
		nats.ReconnectWait(c.config.ReconnectWait),
		nats.Timeout(c.config.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.log.Info("reconnected to NATS", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.log.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.log.Error("NATS error", "error", err, "subject", subject)
		}),
	}

	conn, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.log.Info("connected to NATS", "url", c.config.URL)
	return nil
}

// Streams returns the stream definitions the crawler relies on.
func Streams() []nats.StreamConfig {
	return []nats.StreamConfig{
		{
			Name:        StreamCrawl,
			Description: "Phase requests and completions",
			Subjects:    []string{"crawl.>"},
			Storage:     nats.FileStorage,
			Retention:   nats.LimitsPolicy,
			MaxAge:      7 * 24 * time.Hour,
			MaxMsgs:     -1,
			MaxBytes:    -1,
			Replicas:    1,
			Discard:     nats.DiscardOld,
		},
		{
			Name:        StreamMovies,
			Description: "Per-movie finalization notices",
			Subjects:    []string{"movies.>"},
			Storage:     nats.FileStorage,
			Retention:   nats.LimitsPolicy,
			MaxAge:      30 * 24 * time.Hour,
			MaxMsgs:     -1,
			MaxBytes:    -1,
			Replicas:    1,
			Discard:     nats.DiscardOld,
		},
	}
}

// SetupStreams creates or updates the JetStream streams.
func (c *Client) SetupStreams(ctx context.Context) error {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	for _, cfg := range Streams() {
		_, err := js.StreamInfo(cfg.Name, nats.Context(ctx))
		switch {
		case errors.Is(err, nats.ErrStreamNotFound):
			if _, err := js.AddStream(&cfg, nats.Context(ctx)); err != nil {
				return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
			}
			c.log.Info("created stream", "stream", cfg.Name)
		case err != nil:
			return fmt.Errorf("failed to get stream info for %s: %w", cfg.Name, err)
		default:
			if _, err := js.UpdateStream(&cfg, nats.Context(ctx)); err != nil {
				c.log.Warn("failed to update stream", "stream", cfg.Name, "error", err)
			}
		}
	}
	return nil
}

// Publish marshals event as JSON and publishes it to subject.
func (c *Client) Publish(ctx context.Context, subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return errors.New("nats client closed")
	}

	if _, err := js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	c.log.Debug("published event", "subject", subject, "size", len(data))
	return nil
}

// QueueSubscribe creates a queue subscription for load balancing.
func (c *Client) QueueSubscribe(subject, queue string, handler nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return nil, errors.New("nats client closed")
	}

	sub, err := js.QueueSubscribe(subject, queue, handler, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	c.log.Info("queue subscribed to subject", "subject", subject, "queue", queue)
	return sub, nil
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Drain gracefully drains all subscriptions and then the connection.
func (c *Client) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("failed to drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	c.subs = nil

	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			return fmt.Errorf("failed to drain connection: %w", err)
		}
	}
	return nil
}

// Close closes the NATS connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.js = nil
	}
	return nil
}
