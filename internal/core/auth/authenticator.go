package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/trymwestin/ufanet/internal/core/transport"
)

// AuthEndpoint exchanges the contract credential for a token.
const AuthEndpoint = "api/v1/auth/auth_by_contract/"

// AuthError reports that the backend rejected the credential itself.
type AuthError struct {
	Kind transport.ErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: credentials rejected: %v", e.Err)
	}
	return "auth: credentials rejected"
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrorKind reports the classification of the failure.
func (e *AuthError) ErrorKind() transport.ErrorKind { return e.Kind }

// IsRejected reports whether err means the credential was refused.
func IsRejected(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == transport.KindUnauthorized
}

// Authenticator performs the network authentication exchange.
type Authenticator interface {
	Authenticate(ctx context.Context, cred Credential) (Token, error)
}

// HTTPAuthenticator authenticates against the backend over transport.
type HTTPAuthenticator struct {
	tr  *transport.Client
	log *slog.Logger
}

// NewHTTPAuthenticator creates an authenticator using tr.
func NewHTTPAuthenticator(tr *transport.Client, log *slog.Logger) *HTTPAuthenticator {
	return &HTTPAuthenticator{tr: tr, log: log}
}

type authRequest struct {
	Contract string `json:"contract"`
	Password string `json:"password"`
}

// Authenticate posts the credential. The request carries no Authorization
// header. A 401 becomes *AuthError; other failures stay *transport.APIError.
func (a *HTTPAuthenticator) Authenticate(ctx context.Context, cred Credential) (Token, error) {
	a.log.Debug("authenticating", "credential", cred)

	var resp tokenResponse
	err := a.tr.Do(ctx, transport.Request{
		Name:     "auth",
		Method:   http.MethodPost,
		Endpoint: AuthEndpoint,
		Body:     authRequest{Contract: cred.contract, Password: cred.password},
	}, &resp)
	if err != nil {
		if transport.IsKind(err, transport.KindUnauthorized) {
			return Token{}, &AuthError{Kind: transport.KindUnauthorized, Err: err}
		}
		return Token{}, err
	}

	tok, err := resp.token()
	if err != nil {
		return Token{}, &transport.APIError{
			Kind:     transport.KindMalformedResponse,
			Endpoint: "auth",
			Status:   http.StatusOK,
			Err:      err,
		}
	}
	return tok, nil
}
