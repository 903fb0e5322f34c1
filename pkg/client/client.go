// Package client is the Go client for the keel gRPC services.
//
//	c, err := client.Dial(ctx, "localhost:50051", client.Options{
//		Credentials: &identity.LoginRequest{ServiceAccountID: "root", Password: secret},
//		Insecure:    true,
//	})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	r, err := c.Resources.Get(ctx, id)
//
// Errors are apperr values, so apperr.IsNotFound and friends work on them.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/platinummonkey/keel/pkg/identity"
	"github.com/platinummonkey/keel/pkg/rpc"
)

// Options configure Dial
type Options struct {
	// Credentials log the client in. Nil dials unauthenticated, which only
	// allows Login and Refresh.
	Credentials *identity.LoginRequest
	// Insecure disables TLS
	Insecure  bool
	TLSConfig *tls.Config
	// Liveness should match the server's lock liveness timeout; it sets the
	// keepalive interval. Zero means rpc.DefaultLiveness.
	Liveness time.Duration
	// DialOptions are appended to the ones Dial builds
	DialOptions []grpc.DialOption
}

// Client holds typed stubs for every keel service
type Client struct {
	conn   *grpc.ClientConn
	tokens oauth2.TokenSource

	Resources       *ResourcesClient
	Schemas         *SchemasClient
	Permissions     *PermissionsClient
	Events          *EventsClient
	Locks           *LocksClient
	Users           *UsersClient
	ServiceAccounts *ServiceAccountsClient
	Authentication  *AuthenticationClient
	Groups          *GroupsClient
}

// Dial connects to target. The connection is lazy: nothing is sent until
// the first call, which also performs the login.
func Dial(ctx context.Context, target string, opts Options) (*Client, error) {
	creds := &perRPC{secure: !opts.Insecure}

	transport := insecure.NewCredentials()
	if !opts.Insecure {
		transport = credentials.NewTLS(opts.TLSConfig)
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(transport),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
		grpc.WithPerRPCCredentials(creds),
		grpc.WithKeepaliveParams(rpc.ClientKeepalive(opts.Liveness)),
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}

	c := New(conn)
	if opts.Credentials != nil {
		c.tokens = oauth2.ReuseTokenSource(nil, NewTokenSource(conn, *opts.Credentials))
		creds.setSource(c.tokens)
	}
	return c, nil
}

// New wraps an existing connection. Calls carry whatever credentials the
// connection or the call options provide.
func New(conn *grpc.ClientConn) *Client {
	return &Client{
		conn:            conn,
		Resources:       &ResourcesClient{conn},
		Schemas:         &SchemasClient{conn},
		Permissions:     &PermissionsClient{conn},
		Events:          &EventsClient{conn},
		Locks:           &LocksClient{conn},
		Users:           &UsersClient{conn},
		ServiceAccounts: &ServiceAccountsClient{conn},
		Authentication:  &AuthenticationClient{conn},
		Groups:          &GroupsClient{conn},
	}
}

// Token returns the current access token, logging in if needed
func (c *Client) Token() (*oauth2.Token, error) {
	if c.tokens == nil {
		return nil, errors.New("client has no credentials")
	}
	return c.tokens.Token()
}

// Conn returns the underlying connection
func (c *Client) Conn() *grpc.ClientConn {
	return c.conn
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func call[Resp any](ctx context.Context, conn *grpc.ClientConn, service, method string, req interface{}, opts ...grpc.CallOption) (*Resp, error) {
	resp := new(Resp)
	if err := conn.Invoke(ctx, rpc.FullMethod(service, method), req, resp, opts...); err != nil {
		return nil, rpc.FromStatus(err)
	}
	return resp, nil
}

func openStream(ctx context.Context, conn *grpc.ClientConn, service, method string, req interface{}, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	cs, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, rpc.FullMethod(service, method), opts...)
	if err != nil {
		return nil, rpc.FromStatus(err)
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, rpc.FromStatus(err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, rpc.FromStatus(err)
	}
	return cs, nil
}

// stream calls fn for every message of a server stream. It returns nil
// when the server ends the stream normally and the server's error
// otherwise. An error from fn cancels the stream and is returned.
func stream[Resp any](ctx context.Context, conn *grpc.ClientConn, service, method string, req interface{}, fn func(*Resp) error, opts ...grpc.CallOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cs, err := openStream(ctx, conn, service, method, req, opts...)
	if err != nil {
		return err
	}
	for {
		msg := new(Resp)
		if err := cs.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return rpc.FromStatus(err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
