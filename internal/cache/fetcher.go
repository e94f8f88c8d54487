package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// DistributionRoute is the well-known path on a distribution peer that
// serves files by hash.
const DistributionRoute = "/files/distribution"

// userAgent identifies this server to its distribution peer.
const userAgent = "MareSynchronosServer/1.0.0.0"

// fetchBufferSize is the chunk size used when copying a peer response
// body to disk.
const fetchBufferSize = 4096

// PeerFetcher streams file bodies from the upstream distribution peer.
// It performs a single authenticated GET per call and never retries;
// callers decide whether a miss is worth another attempt.
type PeerFetcher struct {
	baseURL string
	tokens  TokenProvider
	client  *http.Client
	logger  zerolog.Logger
}

// NewPeerFetcher creates a fetcher for the peer at baseURL. When
// forceHTTP2 is set, outbound requests are pinned to HTTP/2 and fail
// rather than negotiate down.
func NewPeerFetcher(baseURL string, tokens TokenProvider, forceHTTP2 bool, logger zerolog.Logger) *PeerFetcher {
	client := &http.Client{
		Timeout: 10 * time.Minute,
	}
	if forceHTTP2 {
		client.Transport = &http2.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	return &PeerFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  client,
		logger:  logger.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch issues a GET for hash against the peer and copies the body to
// w. Any transport error or non-2xx status is returned as an error;
// the writer is flushed before return.
func (f *PeerFetcher) Fetch(ctx context.Context, hash string, w io.Writer) error {
	hash = NormalizeHash(hash)

	token, err := f.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("read peer token: %w", err)
	}

	url := f.baseURL + DistributionRoute + "/" + hash
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build peer request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("peer request %s: %w", hash, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("peer returned status %d for %s", resp.StatusCode, hash)
	}

	bw := bufio.NewWriterSize(w, fetchBufferSize)
	n, err := io.Copy(bw, resp.Body)
	if err != nil {
		return fmt.Errorf("copy peer body for %s: %w", hash, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush peer body for %s: %w", hash, err)
	}

	f.logger.Debug().Str("hash", hash).Int64("bytes", n).Msg("fetched file from peer")
	return nil
}

// Close releases the fetcher's idle connections.
func (f *PeerFetcher) Close() {
	f.client.CloseIdleConnections()
}
