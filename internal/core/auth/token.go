// Package auth owns the contract credential and the session token: it
// performs the authentication exchange and serializes token replacement.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the immutable (contract, password) pair.
type Credential struct {
	contract string
	password string
}

// NewCredential creates a credential.
func NewCredential(contract, password string) Credential {
	return Credential{contract: contract, password: password}
}

// Contract returns the account identifier.
func (c Credential) Contract() string { return c.contract }

// String never renders the password.
func (c Credential) String() string {
	return fmt.Sprintf("contract %s", c.contract)
}

// LogValue keeps the password out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(slog.String("contract", c.contract))
}

// Token is the session issued by a successful authentication. It is replaced
// wholesale, never mutated.
type Token struct {
	Access  string
	Refresh string
	// Expiry is zero when the backend gave no freshness signal.
	Expiry time.Time
	// IssuedAt is when the store installed the token; zero until then.
	IssuedAt time.Time
}

// Expired reports whether the token is past its expiry, treating the last
// skew before expiry as already expired. Tokens without expiry never expire.
// For installed tokens the skew is capped at half the issued lifetime, so a
// short-lived token stays usable for part of its life.
func (t Token) Expired(now time.Time, skew time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	if !t.IssuedAt.IsZero() {
		if half := t.Expiry.Sub(t.IssuedAt) / 2; half < skew {
			skew = half
		}
	}
	return !now.Add(skew).Before(t.Expiry)
}

// tokenResponse is the wire form of the authentication result.
type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	Exp     int64  `json:"exp"`
}

func (r tokenResponse) token() (Token, error) {
	if r.Access == "" {
		return Token{}, errors.New("auth response has no access token")
	}
	tok := Token{Access: r.Access, Refresh: r.Refresh}
	if r.Exp > 0 {
		tok.Expiry = time.Unix(r.Exp, 0)
	} else {
		tok.Expiry = accessExpiry(r.Access)
	}
	return tok, nil
}

// accessExpiry reads the exp claim of a JWT access token without verifying
// its signature. Opaque tokens yield the zero time.
func accessExpiry(access string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
