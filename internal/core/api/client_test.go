package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/ufanet/internal/core/auth"
	"github.com/trymwestin/ufanet/internal/core/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend mimics the Ufanet API. Each successful login issues a new
// token "tok-N"; only the latest issued token is accepted unless reject
// forces every authorized call to fail.
type fakeBackend struct {
	mu       sync.Mutex
	current  string
	authN    atomic.Int32
	calls    atomic.Int32
	password string
	reject   atomic.Bool

	intercoms string
	cameras   string
	contract  string
	openDoor  string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		password:  "secret",
		intercoms: `[]`,
		cameras:   `[]`,
		contract:  `{"id":1,"title":"100","balance":0}`,
		openDoor:  `{"result":true}`,
	}
}

func (b *fakeBackend) revoke() {
	b.mu.Lock()
	b.current = ""
	b.mu.Unlock()
}

func (b *fakeBackend) setOpenDoor(body string) {
	b.mu.Lock()
	b.openDoor = body
	b.mu.Unlock()
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/"+auth.AuthEndpoint {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != b.password {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"detail":"invalid credentials"}`)
			return
		}
		n := b.authN.Add(1)
		b.mu.Lock()
		b.current = fmt.Sprintf("tok-%d", n)
		tok := b.current
		b.mu.Unlock()
		fmt.Fprintf(w, `{"access":%q,"refresh":"r","exp":%d}`, tok, time.Now().Add(time.Hour).Unix())
		return
	}

	b.calls.Add(1)
	b.mu.Lock()
	want := transport.AuthScheme + " " + b.current
	intercoms, cameras, contract, openDoor := b.intercoms, b.cameras, b.contract, b.openDoor
	b.mu.Unlock()
	if b.reject.Load() || r.Header.Get("Authorization") != want {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"detail":"token expired"}`)
		return
	}

	switch {
	case r.URL.Path == "/"+IntercomsEndpoint:
		fmt.Fprint(w, intercoms)
	case r.URL.Path == "/"+CamerasEndpoint:
		fmt.Fprint(w, cameras)
	case r.URL.Path == ContractEndpoint:
		fmt.Fprint(w, contract)
	case strings.HasSuffix(r.URL.Path, "/open/"):
		fmt.Fprint(w, openDoor)
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, b *fakeBackend, password string) (*Client, *auth.TokenStore) {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	tr, err := transport.NewClient(srv.URL, 2*time.Second, nil, nil, testLogger())
	require.NoError(t, err)
	store := auth.NewTokenStore(auth.NewCredential("100", password), auth.NewHTTPAuthenticator(tr, testLogger()), nil, testLogger())
	return NewClient(tr, store, testLogger()), store
}

func TestRequestRenewsOnceOnUnauthorized(t *testing.T) {
	b := newFakeBackend()
	b.intercoms = `[{"id":7,"string_view":"Gate"}]`
	c, store := newTestClient(t, b, "secret")

	require.NoError(t, c.Authorize(context.Background()))
	assert.Equal(t, int32(1), b.authN.Load())

	b.revoke()
	list, err := c.Intercoms(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 7, list[0].ID)
	assert.Equal(t, int32(2), b.authN.Load())

	tok, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, "tok-2", tok.Access)
}

func TestSecondUnauthorizedIsTerminal(t *testing.T) {
	b := newFakeBackend()
	c, _ := newTestClient(t, b, "secret")
	b.reject.Store(true)

	_, err := c.Cameras(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsKind(err, transport.KindUnauthorized))

	var apiErr *transport.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	// initial login plus exactly one renewal, two attempts on the resource
	assert.Equal(t, int32(2), b.authN.Load())
	assert.Equal(t, int32(2), b.calls.Load())
}

func TestConcurrentUnauthorizedShareOneRenewal(t *testing.T) {
	b := newFakeBackend()
	c, _ := newTestClient(t, b, "secret")
	require.NoError(t, c.Authorize(context.Background()))
	b.revoke()

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Intercoms(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(2), b.authN.Load())
}

func TestInvalidCredentials(t *testing.T) {
	b := newFakeBackend()
	c, store := newTestClient(t, b, "wrong")

	_, err := c.Intercoms(context.Background())
	require.Error(t, err)
	assert.True(t, auth.IsRejected(err))
	assert.True(t, transport.IsKind(err, transport.KindUnauthorized))

	_, ok := store.Get()
	assert.False(t, ok)
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestCameraStreamURL(t *testing.T) {
	b := newFakeBackend()
	b.cameras = `[{"number":"42","title":"Yard","token_l":"abc","token_r":"def","servers":{"domain":"cdn.example"}}]`
	c, _ := newTestClient(t, b, "secret")

	cams, err := c.Cameras(context.Background())
	require.NoError(t, err)
	require.Len(t, cams, 1)
	assert.Equal(t, "rtsp://cdn.example/42?token=abc", cams[0].StreamURL())

	data, err := json.Marshal(cams[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"rtsp_url":"rtsp://cdn.example/42?token=abc"`)
	assert.Contains(t, string(data), `"number":"42"`)
}

func TestContractShapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Contract
		wantErr bool
	}{
		{"object", `{"id":5,"title":"100","balance":12.5}`, Contract{ID: 5, Title: "100", Balance: 12.5}, false},
		{"list", `[{"id":6,"title":"101","balance":-3}]`, Contract{ID: 6, Title: "101", Balance: -3}, false},
		{"empty list", `[]`, Contract{}, true},
		{"garbage", `"nope"`, Contract{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			b.contract = tt.body
			c, _ := newTestClient(t, b, "secret")

			got, err := c.Contract(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, transport.IsKind(err, transport.KindMalformedResponse))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWrongShapedBodiesAreMalformed(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		body     string
	}{
		{"null intercoms", "intercoms", `null`},
		{"intercom without id", "intercoms", `[{"string_view":"Gate"}]`},
		{"intercoms object", "intercoms", `{"detail":"maintenance"}`},
		{"null cameras", "cameras", `null`},
		{"camera with unknown fields", "cameras", `[{"unexpected":1}]`},
		{"camera without domain", "cameras", `[{"number":"42","token_l":"abc"}]`},
		{"camera without token", "cameras", `[{"number":"42","servers":{"domain":"cdn.example"}}]`},
		{"null contract", "contract", `null`},
		{"contract detail", "contract", `{"detail":"maintenance"}`},
		{"contract list without id", "contract", `[{"title":"100","balance":3}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			var fetch func(*Client) error
			switch tt.resource {
			case "intercoms":
				b.intercoms = tt.body
				fetch = func(c *Client) error {
					list, err := c.Intercoms(context.Background())
					assert.Nil(t, list)
					return err
				}
			case "cameras":
				b.cameras = tt.body
				fetch = func(c *Client) error {
					list, err := c.Cameras(context.Background())
					assert.Nil(t, list)
					return err
				}
			case "contract":
				b.contract = tt.body
				fetch = func(c *Client) error {
					got, err := c.Contract(context.Background())
					assert.Equal(t, Contract{}, got)
					return err
				}
			}
			c, _ := newTestClient(t, b, "secret")

			err := fetch(c)
			require.Error(t, err)
			assert.True(t, transport.IsKind(err, transport.KindMalformedResponse), "got %v", err)
		})
	}
}

func TestEmptyListsAreValid(t *testing.T) {
	b := newFakeBackend()
	c, _ := newTestClient(t, b, "secret")

	intercoms, err := c.Intercoms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, intercoms)

	cams, err := c.Cameras(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cams)
}

func TestIntercomsAndOpenDoor(t *testing.T) {
	b := newFakeBackend()
	b.intercoms = `[
		{"id":1,"string_view":"Entrance","is_fav":true},
		{"id":2,"string_view":"Gate","custom_name":"Back gate"},
		{"id":3,"string_view":"Garage","is_blocked":true}
	]`
	c, _ := newTestClient(t, b, "secret")

	list, err := c.Intercoms(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)

	favs := Favorites(list)
	require.Len(t, favs, 1)
	assert.Equal(t, 1, favs[0].ID)

	assert.Equal(t, "Back gate", list[1].DisplayName())
	assert.Equal(t, "blocked", list[2].Status())
	assert.Equal(t, "online", list[0].Status())

	ic, ok := FindIntercom(list, 2)
	require.True(t, ok)
	assert.Equal(t, "Gate", ic.StringView)
	_, ok = FindIntercom(list, 99)
	assert.False(t, ok)

	opened, err := c.OpenDoor(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, opened)

	b.setOpenDoor(`{"result":false}`)
	opened, err = c.OpenDoor(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, opened)

	b.setOpenDoor(`{}`)
	_, err = c.OpenDoor(context.Background(), 1)
	assert.True(t, transport.IsKind(err, transport.KindMalformedResponse))
}

func TestNonUnauthorizedFailuresAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+auth.AuthEndpoint {
			fmt.Fprint(w, `{"access":"a","refresh":"r"}`)
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	tr, err := transport.NewClient(srv.URL, time.Second, nil, nil, testLogger())
	require.NoError(t, err)
	store := auth.NewTokenStore(auth.NewCredential("100", "secret"), auth.NewHTTPAuthenticator(tr, testLogger()), nil, testLogger())
	c := NewClient(tr, store, testLogger())

	_, err = c.Intercoms(context.Background())
	assert.True(t, transport.IsKind(err, transport.KindUnexpected))
	assert.Equal(t, int32(1), calls.Load())
}

func TestParseIntercomID(t *testing.T) {
	id, err := ParseIntercomID("12")
	require.NoError(t, err)
	assert.Equal(t, 12, id)

	for _, s := range []string{"", "x", "0", "-1"} {
		_, err := ParseIntercomID(s)
		assert.Error(t, err, s)
	}
}
