package auth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/trymwestin/ufanet/internal/core/transport"
	"github.com/trymwestin/ufanet/internal/metrics"
)

const (
	defaultAuthTimeout = 30 * time.Second
	defaultExpirySkew  = 30 * time.Second
)

// StoreOption configures a TokenStore.
type StoreOption func(*TokenStore)

// WithAuthTimeout bounds a single authentication exchange.
func WithAuthTimeout(d time.Duration) StoreOption {
	return func(s *TokenStore) {
		if d > 0 {
			s.authTimeout = d
		}
	}
}

// WithExpirySkew treats tokens as expired this long before their expiry.
func WithExpirySkew(d time.Duration) StoreOption {
	return func(s *TokenStore) {
		if d >= 0 {
			s.skew = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *TokenStore) {
		if now != nil {
			s.now = now
		}
	}
}

// TokenStore owns the current Token. Reads never block; every replacement
// goes through one authentication at a time, and concurrent callers asking
// for the same replacement share a single exchange.
type TokenStore struct {
	cred    Credential
	authn   Authenticator
	metrics *metrics.Metrics
	log     *slog.Logger

	authTimeout time.Duration
	skew        time.Duration
	now         func() time.Time

	tok    atomic.Pointer[Token]
	flight singleflight.Group
	// authMu keeps at most one exchange on the wire across flight keys.
	authMu sync.Mutex
}

// NewTokenStore creates an empty store. No network call happens until the
// first Ensure, Renew or Refresh.
func NewTokenStore(cred Credential, authn Authenticator, m *metrics.Metrics, log *slog.Logger, opts ...StoreOption) *TokenStore {
	s := &TokenStore{
		cred:        cred,
		authn:       authn,
		metrics:     m,
		log:         log,
		authTimeout: defaultAuthTimeout,
		skew:        defaultExpirySkew,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current token, if any.
func (s *TokenStore) Get() (Token, bool) {
	p := s.tok.Load()
	if p == nil {
		return Token{}, false
	}
	return *p, true
}

// Valid returns the current token if it is present and not expired.
func (s *TokenStore) Valid() (Token, bool) {
	tok, ok := s.Get()
	if !ok || tok.Expired(s.now(), s.skew) {
		return Token{}, false
	}
	return tok, true
}

// Ensure returns a usable token, authenticating first when the store is
// empty or the token has expired.
func (s *TokenStore) Ensure(ctx context.Context) (Token, error) {
	if tok, ok := s.Valid(); ok {
		return tok, nil
	}
	stale, _ := s.Get()
	return s.Renew(ctx, stale)
}

// Renew replaces a token the backend rejected. When another caller already
// installed a different valid token, that token is returned without a new
// exchange, so a burst of 401s costs one authentication.
func (s *TokenStore) Renew(ctx context.Context, rejected Token) (Token, error) {
	return s.await(ctx, "renew:"+rejected.Access, func(fctx context.Context) (Token, error) {
		s.authMu.Lock()
		defer s.authMu.Unlock()

		if cur, ok := s.Valid(); ok && cur.Access != rejected.Access {
			return cur, nil
		}
		return s.authenticate(fctx)
	})
}

// Refresh unconditionally authenticates and installs the result. Callers
// arriving while a refresh is in flight share its outcome.
func (s *TokenStore) Refresh(ctx context.Context) (Token, error) {
	return s.await(ctx, "refresh", func(fctx context.Context) (Token, error) {
		s.authMu.Lock()
		defer s.authMu.Unlock()
		return s.authenticate(fctx)
	})
}

// await runs fn once per key and waits for it under the caller's context.
// The exchange itself is detached from the caller so that one caller giving
// up does not fail the others sharing the flight.
func (s *TokenStore) await(ctx context.Context, key string, fn func(context.Context) (Token, error)) (Token, error) {
	fctx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (interface{}, error) {
		return fn(fctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, &transport.APIError{Kind: transport.KindTimeout, Endpoint: "auth", Err: ctx.Err()}
	}
}

func (s *TokenStore) authenticate(ctx context.Context) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, s.authTimeout)
	defer cancel()

	tok, err := s.authn.Authenticate(ctx, s.cred)
	if err != nil {
		if IsRejected(err) {
			s.tok.Store(nil)
			s.metrics.RecordAuth(string(transport.KindUnauthorized))
			s.log.Warn("credentials rejected, token cleared", "credential", s.cred)
			return Token{}, err
		}
		outcome := string(transport.KindUnexpected)
		if k, ok := transport.KindOf(err); ok {
			outcome = string(k)
		}
		s.metrics.RecordAuth(outcome)
		s.log.Error("authentication failed", "credential", s.cred, "error", err)
		return Token{}, err
	}

	tok.IssuedAt = s.now()
	if !tok.Expiry.IsZero() && !tok.Expiry.After(tok.IssuedAt) {
		// Clocks disagree; fall back to renewing on rejection.
		s.log.Warn("token expiry already passed at issue, ignoring it", "expires_at", tok.Expiry)
		tok.Expiry = time.Time{}
	}
	s.tok.Store(&tok)
	s.metrics.RecordAuth("ok")
	if tok.Expiry.IsZero() {
		s.log.Info("authenticated", "credential", s.cred)
	} else {
		s.log.Info("authenticated", "credential", s.cred, "expires_at", tok.Expiry)
	}
	return tok, nil
}
