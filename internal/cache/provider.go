package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/maresync/distcache/pkg/bytesize"
)

// ErrNotFound is returned when a hash is not present locally and cannot
// be obtained from a peer.
var ErrNotFound = errors.New("file not present in cache")

// DefaultWaitTimeout bounds how long a caller waits on an in-flight
// transfer before giving up. The transfer itself is not cancelled.
const DefaultWaitTimeout = 120 * time.Second

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	HotDir      string
	ColdDir     string
	ColdEnabled bool

	// Fetcher pulls misses from the upstream peer. Nil means this node
	// is authoritative and misses are final.
	Fetcher *PeerFetcher

	Metrics MetricsSink
	Touches TouchSink
	Clock   Clock
	Logger  zerolog.Logger

	// WaitTimeout overrides DefaultWaitTimeout when positive.
	WaitTimeout time.Duration
}

// Provider is the serving façade of the cache. It resolves a hash to a
// readable file, orchestrating hot hit, cold promotion, and coalesced
// peer fetch.
type Provider struct {
	hotDir      string
	coldDir     string
	coldEnabled bool
	fetcher     *PeerFetcher
	coord       *Coordinator
	metrics     MetricsSink
	touches     TouchSink
	clock       Clock
	logger      zerolog.Logger
	waitTimeout time.Duration
}

// NewProvider creates a Provider.
func NewProvider(cfg ProviderConfig) *Provider {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	return &Provider{
		hotDir:      cfg.HotDir,
		coldDir:     cfg.ColdDir,
		coldEnabled: cfg.ColdEnabled && cfg.ColdDir != "",
		fetcher:     cfg.Fetcher,
		coord:       NewCoordinator(cfg.Logger),
		metrics:     cfg.Metrics,
		touches:     cfg.Touches,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With().Str("component", "provider").Logger(),
		waitTimeout: cfg.WaitTimeout,
	}
}

// EnsureLocal makes sure the file for hash will eventually be present
// in the hot tier. It returns the transfer handle when a peer fetch is
// in flight, nil when the file is already local (or cannot be fetched).
func (p *Provider) EnsureLocal(hash string) *TransferHandle {
	hash = NormalizeHash(hash)

	if info, ok := InfoFor(p.hotDir, hash); ok && info.Size() > 0 {
		return nil
	}
	if p.PromoteFromCold(hash) {
		return nil
	}
	if p.fetcher == nil {
		// Authoritative node: a miss is final.
		return nil
	}

	h, started := p.coord.StartOrJoin(hash, func() error {
		return p.downloadTask(hash)
	})
	if started {
		p.logger.Debug().Str("hash", hash).Str("transfer_id", h.ID).Msg("started peer fetch")
	}
	return h
}

// OpenLocal opens the hot-tier file for hash read-only, touches its
// access time, and notifies the touch sink. Returns ErrNotFound when
// the file is absent.
func (p *Provider) OpenLocal(hash string) (*os.File, error) {
	hash = NormalizeHash(hash)
	path := PathFor(p.hotDir, hash)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open %s: %w", hash, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", hash, err)
	}

	// Touch the access time so retention sees the read even on
	// noatime mounts.
	now := p.clock.Now()
	_ = os.Chtimes(path, now, info.ModTime())

	if p.touches != nil {
		p.touches.Touch(hash)
	}
	p.logger.Debug().Str("hash", hash).Str("size", bytesize.Format(info.Size())).Msg("serving file")

	return f, nil
}

// GetOrFetch resolves hash to a readable file, waiting on an in-flight
// transfer when necessary. On timeout or transfer failure the error is
// the terminal wait error; the underlying fetch keeps running.
func (p *Provider) GetOrFetch(hash string) (*os.File, error) {
	h := p.EnsureLocal(hash)
	if h != nil {
		p.metrics.IncGauge(GaugeFilesWaitingForHandle, 1)
		err := h.Wait(p.waitTimeout)
		p.metrics.DecGauge(GaugeFilesWaitingForHandle, 1)
		if err != nil {
			return nil, err
		}
	}
	return p.OpenLocal(hash)
}

// AnyDownloading reports whether any of the given hashes has a fetch in
// flight.
func (p *Provider) AnyDownloading(hashes ...string) bool {
	return p.coord.Contains(hashes...)
}

// PromoteFromCold copies the cold-tier file for hash into the hot tier
// via the staging suffix and an atomic rename, then stamps the new file
// with the current time so it starts a fresh retention window. Best
// effort: returns false on any miss or error.
func (p *Provider) PromoteFromCold(hash string) bool {
	if !p.coldEnabled {
		return false
	}
	hash = NormalizeHash(hash)
	coldPath := PathFor(p.coldDir, hash)
	hotPath := PathFor(p.hotDir, hash)

	src, err := os.Open(coldPath)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn().Err(err).Str("hash", hash).Msg("could not open cold file for promotion")
		}
		return false
	}
	defer func() { _ = src.Close() }()

	if err := copyToStaged(src, hotPath); err != nil {
		p.logger.Warn().Err(err).Str("hash", hash).Msg("promotion from cold storage failed")
		return false
	}

	now := p.clock.Now()
	_ = os.Chtimes(hotPath, now, now)

	p.logger.Debug().Str("hash", hash).Msg("promoted file from cold storage")
	return true
}

// downloadTask runs inside the coordinator: it materializes the file
// from the peer directly into the hot tier, or, when cold storage is
// enabled, into the cold tier and then promotes it so the hot tier can
// serve immediately.
func (p *Provider) downloadTask(hash string) error {
	p.metrics.IncGauge(GaugeFilesDownloading, 1)
	defer p.metrics.DecGauge(GaugeFilesDownloading, 1)

	destRoot := p.hotDir
	if p.coldEnabled {
		destRoot = p.coldDir
	}
	dest := PathFor(destRoot, hash)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	staged := dest + DownloadSuffix
	f, err := os.Create(staged)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}

	// The fetch is deliberately not bound to any caller's deadline:
	// a waiter that gives up must not abort the download for everyone
	// else.
	if err := p.fetcher.Fetch(context.Background(), hash, f); err != nil {
		_ = f.Close()
		// The staged file stays behind; the janitor collects it as an
		// orphan.
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(staged, dest); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("stat downloaded file: %w", err)
	}

	if p.coldEnabled {
		p.metrics.IncGauge(GaugeFilesTotalColdStorage, 1)
		p.metrics.IncGauge(GaugeFilesSizeColdStorage, float64(info.Size()))
		if !p.PromoteFromCold(hash) {
			return fmt.Errorf("promote %s after fetch", hash)
		}
	} else {
		p.metrics.IncGauge(GaugeFilesTotal, 1)
		p.metrics.IncGauge(GaugeFilesTotalSize, float64(info.Size()))
	}

	return nil
}

// copyToStaged copies src to dest via dest+DownloadSuffix and an atomic
// rename, overwriting any existing file at dest.
func copyToStaged(src io.Reader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	staged := dest + DownloadSuffix
	w, err := os.Create(staged)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		_ = os.Remove(staged)
		return fmt.Errorf("copy to staging file: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(staged, dest); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("finalize staging file: %w", err)
	}
	return nil
}
