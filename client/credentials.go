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

package client

import (
	"context"

	"github.com/gravitational/trace"

	meridian "github.com/meridiandb/meridian-go"
)

// Credentials supply the auth token attached to outgoing requests.
// Implementations must be safe for concurrent use.
type Credentials interface {
	// Token returns the current bearer token. Implementations backed by a
	// token exchange may block, so a context is passed.
	Token(ctx context.Context) (string, error)
}

// NewStaticCredentials returns Credentials with a fixed access token.
func NewStaticCredentials(token string) (*StaticCredentials, error) {
	if token == "" {
		return nil, trace.BadParameter("missing parameter token")
	}
	return &StaticCredentials{token: token}, nil
}

// StaticCredentials present a fixed access token.
type StaticCredentials struct {
	token string
}

// Token returns the configured token.
func (c *StaticCredentials) Token(ctx context.Context) (string, error) {
	return c.token, nil
}

// AnonymousCredentials present no token; servers with auth disabled accept
// such connections.
type AnonymousCredentials struct{}

// Token returns an empty token.
func (AnonymousCredentials) Token(ctx context.Context) (string, error) {
	return "", nil
}

// perRPCCredentials adapts Credentials to the gRPC per-RPC credentials
// interface, attaching the auth ticket header to every request.
type perRPCCredentials struct {
	creds Credentials
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (p perRPCCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	token, err := p.creds.Token(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if token == "" {
		return nil, nil
	}
	return map[string]string{meridian.AuthTicketHeader: token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials. The
// ticket is attached over plaintext connections too: deployments terminate
// TLS on their own balancers.
func (p perRPCCredentials) RequireTransportSecurity() bool {
	return false
}
