// Package controlclient is the Go client of the agentrelay session API.
package controlclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"

	"connectrpc.com/connect"
	"github.com/buildkite/agentrelay/internal/controlapi"
	"github.com/buildkite/agentrelay/internal/endpoint"
	"github.com/buildkite/agentrelay/internal/tlsconfig"
	"golang.org/x/net/http2"
)

type Client struct {
	httpClient *http.Client
	baseURL    string

	invoke *connect.Client[controlapi.InvokeRequest, controlapi.InvokeResponse]
	get    *connect.Client[controlapi.GetSessionRequest, controlapi.GetSessionResponse]
	cancel *connect.Client[controlapi.CancelSessionRequest, controlapi.CancelSessionResponse]
	stream *connect.Client[controlapi.StreamSessionRequest, controlapi.Event]
}

// Option configures the client.
type Option func(*options)

type options struct {
	tlsOpts tlsconfig.Options
	token   string
}

// WithTLS configures TLS options for the client.
func WithTLS(opts tlsconfig.Options) Option {
	return func(o *options) {
		o.tlsOpts = opts
	}
}

// WithToken sends token as a bearer credential on every call.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = strings.TrimSpace(token)
	}
}

func New(ep endpoint.Endpoint, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	baseURL := strings.TrimRight(ep.BaseURL, "/")
	transport, err := buildTransport(ep, baseURL, o.tlsOpts)
	if err != nil {
		return nil, err
	}
	if o.token != "" {
		transport = &bearerTransport{token: o.token, next: transport}
	}
	httpClient := &http.Client{Transport: transport}
	codec := connect.WithCodec(controlapi.JSONCodec{})
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		invoke:     connect.NewClient[controlapi.InvokeRequest, controlapi.InvokeResponse](httpClient, baseURL+controlapi.InvokeProcedure, codec),
		get:        connect.NewClient[controlapi.GetSessionRequest, controlapi.GetSessionResponse](httpClient, baseURL+controlapi.GetSessionProcedure, codec),
		cancel:     connect.NewClient[controlapi.CancelSessionRequest, controlapi.CancelSessionResponse](httpClient, baseURL+controlapi.CancelSessionProcedure, codec),
		stream:     connect.NewClient[controlapi.StreamSessionRequest, controlapi.Event](httpClient, baseURL+controlapi.StreamSessionProcedure, codec),
	}, nil
}

func buildTransport(ep endpoint.Endpoint, baseURL string, tlsOpts tlsconfig.Options) (http.RoundTripper, error) {
	dialer := &net.Dialer{}

	if ep.Scheme == "https" {
		tlsCfg, err := tlsconfig.ResolveClient(tlsOpts)
		if err != nil {
			return nil, err
		}
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		}, nil
	}

	if ep.Scheme == "unix" {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}, nil
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return &http.Transport{}, nil
	}
	host := parsed.Host
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", host)
		},
	}, nil
}

type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.next.RoundTrip(req)
}

func (c *Client) Invoke(ctx context.Context, req *controlapi.InvokeRequest) (*controlapi.InvokeResponse, error) {
	resp, err := c.invoke.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetSession(ctx context.Context, req *controlapi.GetSessionRequest) (*controlapi.GetSessionResponse, error) {
	resp, err := c.get.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) CancelSession(ctx context.Context, req *controlapi.CancelSessionRequest) (*controlapi.CancelSessionResponse, error) {
	resp, err := c.cancel.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) StreamSession(ctx context.Context, req *controlapi.StreamSessionRequest) (*connect.ServerStreamForClient[controlapi.Event], error) {
	return c.stream.CallServerStream(ctx, connect.NewRequest(req))
}

// Follow streams the session's events into fn and returns the event that
// ended the stream.
func (c *Client) Follow(ctx context.Context, sessionID string, fn func(*controlapi.Event)) (*controlapi.Event, error) {
	stream, err := c.StreamSession(ctx, &controlapi.StreamSessionRequest{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var last *controlapi.Event
	for stream.Receive() {
		last = stream.Msg()
		if fn != nil {
			fn(last)
		}
		if last.Terminal() {
			return last, nil
		}
	}
	if err := stream.Err(); err != nil {
		return last, err
	}
	return last, nil
}
