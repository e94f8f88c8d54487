package cache

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerFetcher_Fetch(t *testing.T) {
	body := []byte("file contents from the distribution peer")

	var gotPath, gotAuth, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := NewPeerFetcher(srv.URL, StaticTokenProvider("secret-token"), false, zerolog.Nop())
	defer f.Close()

	var buf bytes.Buffer
	require.NoError(t, f.Fetch(context.Background(), "aabbccdd", &buf))

	assert.Equal(t, body, buf.Bytes())
	assert.Equal(t, DistributionRoute+"/AABBCCDD", gotPath)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "MareSynchronosServer/1.0.0.0", gotAgent)
}

func TestPeerFetcher_TokenReadPerCall(t *testing.T) {
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	tokens := &rotatingTokens{}
	f := NewPeerFetcher(srv.URL, tokens, false, zerolog.Nop())
	defer f.Close()

	var buf bytes.Buffer
	require.NoError(t, f.Fetch(context.Background(), "AA00", &buf))
	require.NoError(t, f.Fetch(context.Background(), "AA00", &buf))

	require.Len(t, auths, 2)
	assert.Equal(t, "Bearer token-1", auths[0])
	assert.Equal(t, "Bearer token-2", auths[1])
}

type rotatingTokens struct {
	calls int
}

func (r *rotatingTokens) Token(context.Context) (string, error) {
	r.calls++
	switch r.calls {
	case 1:
		return "token-1", nil
	default:
		return "token-2", nil
	}
}

func TestPeerFetcher_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewPeerFetcher(srv.URL, StaticTokenProvider("t"), false, zerolog.Nop())
	defer f.Close()

	var buf bytes.Buffer
	err := f.Fetch(context.Background(), "FF22", &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Zero(t, buf.Len())
}

func TestPeerFetcher_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	f := NewPeerFetcher(srv.URL, StaticTokenProvider("t"), false, zerolog.Nop())
	defer f.Close()

	var buf bytes.Buffer
	err := f.Fetch(context.Background(), "FF33", &buf)
	require.Error(t, err)
}

func TestPeerFetcher_NoRequestCountedOnce(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewPeerFetcher(srv.URL, StaticTokenProvider("t"), false, zerolog.Nop())
	defer f.Close()

	var buf bytes.Buffer
	require.Error(t, f.Fetch(context.Background(), "AB01", &buf))
	// Failures are not retried.
	assert.Equal(t, 1, requests)
}
