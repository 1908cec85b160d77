// Package token fetches connection credentials from the token-issuing
// service.
package token

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/transport"
)

var (
	// ErrUnauthorized indicates the token service rejected the identity.
	ErrUnauthorized = errors.New("token: unauthorized")
	// ErrUnavailable indicates the token service could not be reached or
	// answered with a server error.
	ErrUnavailable = errors.New("token: service unavailable")
)

const (
	defaultTimeout      = 10 * time.Second
	maxResponseBodySize = 1 << 20
)

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client requests room credentials for an identity.
type Client struct {
	endpoint string
	room     string
	identity string
	http     *http.Client
	logger   zerolog.Logger
}

// New constructs a client for the given token endpoint.
func New(endpoint, room, identity string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		room:     room,
		identity: identity,
		http:     &http.Client{Timeout: defaultTimeout},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenRequest struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
}

type tokenResponse struct {
	URL      string `json:"url"`
	Token    string `json:"token"`
	Room     string `json:"room"`
	Identity string `json:"identity"`
}

// Fetch requests fresh credentials. It satisfies the session machine's
// TokenProvider contract.
func (c *Client) Fetch(ctx context.Context) (transport.Credentials, error) {
	body, err := sonic.Marshal(tokenRequest{Room: c.room, Identity: c.identity})
	if err != nil {
		return transport.Credentials{}, fmt.Errorf("token: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return transport.Credentials{}, fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transport.Credentials{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return transport.Credentials{}, fmt.Errorf("token: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return transport.Credentials{}, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return transport.Credentials{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var tr tokenResponse
	if err := sonic.Unmarshal(data, &tr); err != nil {
		return transport.Credentials{}, fmt.Errorf("token: decode response: %w", err)
	}
	if tr.Token == "" {
		return transport.Credentials{}, errors.New("token: response without token")
	}

	identity := tr.Identity
	if identity == "" {
		identity = c.identity
	}
	room := tr.Room
	if room == "" {
		room = c.room
	}
	c.logger.Debug().Str("room", room).Str("identity", identity).Msg("credentials issued")

	return transport.Credentials{
		URL:      tr.URL,
		Token:    tr.Token,
		Room:     room,
		Identity: identity,
	}, nil
}
