/*
Copyright 2026 Meridian Data, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package client implements the driver: the shared gRPC connection the
// stream subsystems run on, plus the credential providers feeding it.
package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	grpccreds "google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	meridian "github.com/meridiandb/meridian-go"
	"github.com/meridiandb/meridian-go/client/bidistream"
	"github.com/meridiandb/meridian-go/defaults"
	"github.com/meridiandb/meridian-go/types/coordination"
	"github.com/meridiandb/meridian-go/types/topic"
)

// CoordinationPeer is an established coordination session stream.
type CoordinationPeer = bidistream.Peer[coordination.ClientMessage, coordination.ServerMessage]

// TopicWritePeer is an established topic write stream.
type TopicWritePeer = bidistream.Peer[topic.ClientMessage, *topic.ServerMessage]

// Transport constructs protocol streams on the driver connection.
// Implementations adapt the generated service clients; tests install
// in-memory fakes.
type Transport interface {
	// CoordinationSession opens a coordination session stream.
	CoordinationSession(ctx context.Context, opts ...grpc.CallOption) (CoordinationPeer, error)
	// TopicWrite opens a topic write stream.
	TopicWrite(ctx context.Context, opts ...grpc.CallOption) (TopicWritePeer, error)
}

// Config configures the driver.
type Config struct {
	// Addr is the endpoint to dial, host:port.
	Addr string
	// Credentials supply the auth token, required.
	Credentials Credentials
	// NewTransport builds the protocol transport over the dialed
	// connection, required.
	NewTransport func(*grpc.ClientConn) Transport
	// TLS enables transport security when set; plaintext otherwise.
	TLS *tls.Config
	// DialTimeout bounds the initial dial.
	DialTimeout time.Duration
	// DialOptions are appended to the computed options.
	DialOptions []grpc.DialOption
	// Log emits driver diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing parameter Addr")
	}
	if c.Credentials == nil {
		return trace.BadParameter("missing parameter Credentials")
	}
	if c.NewTransport == nil {
		return trace.BadParameter("missing parameter NewTransport")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(meridian.ComponentKey, meridian.ComponentClient)
	return nil
}

// Client is the driver: it owns the gRPC channel and hands out protocol
// streams and auth tokens to the session and writer subsystems.
type Client struct {
	cfg       Config
	conn      *grpc.ClientConn
	transport Transport
}

// New dials the configured endpoint and returns a ready-to-use driver.
// The dial is lazy; use Ready to await an established channel.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	transportCreds := insecure.NewCredentials()
	if cfg.TLS != nil {
		transportCreds = grpccreds.NewTLS(cfg.TLS)
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(transportCreds),
		grpc.WithPerRPCCredentials(perRPCCredentials{creds: cfg.Credentials}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             cfg.DialTimeout,
			PermitWithoutStream: true,
		}),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{
		cfg:       cfg,
		conn:      conn,
		transport: cfg.NewTransport(conn),
	}, nil
}

// Ready blocks until the channel reaches the READY state or ctx is done.
func (c *Client) Ready(ctx context.Context) error {
	c.conn.Connect()
	for {
		state := c.conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return trace.ConnectionProblem(nil, "connection is shut down")
		case connectivity.Idle:
			c.conn.Connect()
		}
		if !c.conn.WaitForStateChange(ctx, state) {
			return trace.Wrap(ctx.Err())
		}
	}
}

// Token returns the current auth bearer token.
func (c *Client) Token(ctx context.Context) (string, error) {
	token, err := c.cfg.Credentials.Token(ctx)
	return token, trace.Wrap(err)
}

// CoordinationSession opens a coordination session stream.
func (c *Client) CoordinationSession(ctx context.Context, opts ...grpc.CallOption) (CoordinationPeer, error) {
	peer, err := c.transport.CoordinationSession(ctx, opts...)
	return peer, trace.Wrap(err)
}

// TopicWrite opens a topic write stream.
func (c *Client) TopicWrite(ctx context.Context, opts ...grpc.CallOption) (TopicWritePeer, error) {
	peer, err := c.transport.TopicWrite(ctx, opts...)
	return peer, trace.Wrap(err)
}

// Close tears the channel down.
func (c *Client) Close() error {
	return trace.Wrap(c.conn.Close())
}
