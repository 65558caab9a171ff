package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Client owns one gRPC connection to a participant endpoint. Connections are
// multiplexed, so a single client serves every participant hosted by the
// same process.
type Client struct {
	endpoint    string
	callTimeout time.Duration
	conn        *grpc.ClientConn
}

// NewClient dials a participant endpoint. Participant services often come up
// after the coordinator, so the dial retries with fibonacci backoff before
// giving up.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	target := cfg.Endpoint
	var opts []grpc.DialOption

	if strings.HasPrefix(target, "https://") || strings.HasSuffix(target, ":443") {
		creds := credentials.NewTLS(&tls.Config{})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}
	opts = append(opts, grpc.WithBlock())

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	var conn *grpc.ClientConn
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		c, err := grpc.DialContext(dialCtx, target, opts...)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial participant endpoint %s: %w", target, err)
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	return &Client{endpoint: cfg.Endpoint, callTimeout: callTimeout, conn: conn}, nil
}

// Conn returns the underlying gRPC connection.
func (c *Client) Conn() *grpc.ClientConn {
	return c.conn
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
