package ufanet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type backend struct {
	auths atomic.Int32
	opens atomic.Int32
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v1/auth/auth_by_contract/":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b.auths.Add(1)
		fmt.Fprint(w, `{"access":"tok","refresh":"r"}`)
		return
	}
	if r.Header.Get("Authorization") != "JWT tok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch r.URL.Path {
	case "/api/v0/skud/shared/":
		fmt.Fprint(w, `[{"id":1,"string_view":"A"},{"id":2,"string_view":"B","is_fav":true},{"id":3,"string_view":"C"}]`)
	case "/api/v1/cctv":
		fmt.Fprint(w, `[{"number":"42","token_l":"abc","servers":{"domain":"cdn.example"}}]`)
	case "/api/v0/contract":
		fmt.Fprint(w, `[{"id":9,"title":"100","balance":50.5}]`)
	case "/api/v0/skud/shared/2/open/":
		b.opens.Add(1)
		fmt.Fprint(w, `{"result":true}`)
	default:
		http.NotFound(w, r)
	}
}

func newService(t *testing.T, password string) (*Service, *backend) {
	t.Helper()
	b := &backend{}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	svc, err := NewService(Options{
		APIBase:        srv.URL,
		Contract:       "100",
		Password:       password,
		PollInterval:   time.Hour,
		RequestTimeout: time.Second,
		TokenSkew:      time.Second,
	}, testLogger())
	require.NoError(t, err)
	return svc, b
}

func TestEndToEnd(t *testing.T) {
	svc, b := newService(t, "secret")
	ctx := context.Background()

	first, err := svc.Coordinator.RefreshNow(ctx)
	require.NoError(t, err)
	assert.True(t, first.Healthy())
	require.Len(t, first.Intercoms, 3)
	assert.Equal(t, "rtsp://cdn.example/42?token=abc", first.Cameras[0].StreamURL())
	require.NotNil(t, first.Contract)
	assert.Equal(t, 50.5, first.Contract.Balance)

	var fav Intercom
	for _, ic := range first.Intercoms {
		if ic.IsFavorite {
			fav = ic
		}
	}
	require.Equal(t, 2, fav.ID)

	ok, err := svc.Doors.OpenDoor(ctx, fav.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), b.opens.Load())

	second, err := svc.Coordinator.RefreshNow(ctx)
	require.NoError(t, err)
	assert.True(t, second.FetchedAt.After(first.FetchedAt))
	assert.Equal(t, int32(1), b.auths.Load())
}

func TestInvalidCredentialsNeverStoreToken(t *testing.T) {
	svc, _ := newService(t, "wrong")

	snap, err := svc.Coordinator.RefreshNow(context.Background())
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindUnauthorized, kind)
	require.NotNil(t, snap.Err)

	_, ok = svc.Tokens.Get()
	assert.False(t, ok)
}

func TestCheckCredentials(t *testing.T) {
	b := &backend{}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	assert.NoError(t, CheckCredentials(context.Background(), srv.URL, "100", "secret", time.Second, testLogger()))
	assert.Equal(t, int32(1), b.auths.Load())

	err := CheckCredentials(context.Background(), srv.URL, "100", "nope", time.Second, testLogger())
	assert.True(t, IsRejected(err))

	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestNewServiceRejectsRelativeBase(t *testing.T) {
	_, err := NewService(Options{APIBase: "dom.ufanet.ru"}, testLogger())
	assert.Error(t, err)
}
