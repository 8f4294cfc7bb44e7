// Package kurrentdb connects to KurrentDB (EventStoreDB), the append-only
// event database one of the ledger backends is built on.
package kurrentdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
)

// Client wraps the EventStore client with additional functionality.
type Client struct {
	db     *esdb.Client
	config *Config
	mu     sync.RWMutex
}

// NewClient creates a new KurrentDB client.
func NewClient(cfg *Config) (*Client, error) {
	settings, err := esdb.ParseConnectionString(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	db, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &Client{
		db:     db,
		config: cfg,
	}, nil
}

// Connect verifies the server answers reads.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.probe(ctx); err != nil {
		return fmt.Errorf("failed to verify connection: %w", err)
	}
	return nil
}

// DB returns the underlying EventStore client.
func (c *Client) DB() *esdb.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// HealthCheck verifies the connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.probe(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// probe reads one event of $streams; an empty database still answers.
func (c *Client) probe(ctx context.Context) error {
	stream, err := c.DB().ReadStream(ctx, "$streams", esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)
	if err != nil {
		return err
	}
	defer stream.Close()

	_, err = stream.Recv()
	if err == nil || errors.Is(err, io.EOF) || IsCode(err, esdb.ErrorCodeResourceNotFound) {
		return nil
	}
	return err
}

// IsCode reports whether err is an EventStore error with the given code.
func IsCode(err error, code esdb.ErrorCode) bool {
	var esdbErr *esdb.Error
	return errors.As(err, &esdbErr) && esdbErr.Code() == code
}
