// Package api is the authenticated client for the Ufanet backend: it attaches
// the session token to every call, recovers from one rejected session per
// call, and maps responses onto resource records.
package api

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/trymwestin/ufanet/internal/core/auth"
	"github.com/trymwestin/ufanet/internal/core/transport"
)

// Tokens is the part of auth.TokenStore the client depends on.
type Tokens interface {
	Ensure(ctx context.Context) (auth.Token, error)
	Renew(ctx context.Context, rejected auth.Token) (auth.Token, error)
}

// Requester sends one transport request.
type Requester interface {
	Do(ctx context.Context, req transport.Request, out any) error
}

// Client issues authenticated requests against named endpoints.
type Client struct {
	tr     Requester
	tokens Tokens
	log    *slog.Logger
}

// NewClient creates a client that authenticates through tokens.
func NewClient(tr Requester, tokens Tokens, log *slog.Logger) *Client {
	return &Client{tr: tr, tokens: tokens, log: log}
}

// Call describes one logical request.
type Call struct {
	// Name labels the call in logs and metrics.
	Name     string
	Method   string
	Endpoint string
	Query    url.Values
	Body     any
}

// Authorize makes sure a usable token is present, authenticating if needed.
func (c *Client) Authorize(ctx context.Context) error {
	_, err := c.tokens.Ensure(ctx)
	return err
}

// Request performs call with the current token and decodes the response
// into out. A 401 triggers exactly one token renewal and one retry; a
// second 401 is returned as KindUnauthorized. No other failure is retried.
func (c *Client) Request(ctx context.Context, call Call, out any) error {
	tok, err := c.tokens.Ensure(ctx)
	if err != nil {
		return err
	}

	err = c.send(ctx, call, tok, out)
	if !transport.IsKind(err, transport.KindUnauthorized) {
		return err
	}

	c.log.Info("session rejected, re-authenticating", "endpoint", call.Name)
	tok, err = c.tokens.Renew(ctx, tok)
	if err != nil {
		return err
	}

	err = c.send(ctx, call, tok, out)
	if transport.IsKind(err, transport.KindUnauthorized) {
		c.log.Warn("session rejected after re-authentication", "endpoint", call.Name)
	}
	return err
}

func (c *Client) send(ctx context.Context, call Call, tok auth.Token, out any) error {
	return c.tr.Do(ctx, transport.Request{
		Name:     call.Name,
		Method:   call.Method,
		Endpoint: call.Endpoint,
		Query:    call.Query,
		Body:     call.Body,
		Token:    tok.Access,
	}, out)
}
