package cache

import (
	"context"
	"time"
)

// Gauge names reported through MetricsSink.
const (
	GaugeFilesTotal            = "files_total"
	GaugeFilesTotalSize        = "files_total_size"
	GaugeFilesTotalColdStorage = "files_total_cold_storage"
	GaugeFilesSizeColdStorage  = "files_total_size_cold_storage"
	GaugeFilesDownloading      = "files_downloading_from_cache"
	GaugeFilesWaitingForHandle = "files_tasks_waiting_for_download"
)

// MetricsSink receives gauge updates from the cache and the janitor.
// Implementations must be safe for concurrent use.
type MetricsSink interface {
	IncGauge(name string, value float64)
	DecGauge(name string, value float64)
	SetGauge(name string, value float64)
}

// NopMetrics discards all gauge updates.
type NopMetrics struct{}

// IncGauge implements MetricsSink.
func (NopMetrics) IncGauge(string, float64) {}

// DecGauge implements MetricsSink.
func (NopMetrics) DecGauge(string, float64) {}

// SetGauge implements MetricsSink.
func (NopMetrics) SetGauge(string, float64) {}

// TokenProvider supplies the bearer token used to pull files from an
// upstream distribution peer. The token is re-read on every request so
// rotated credentials take effect without a restart.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider returns a fixed token.
type StaticTokenProvider string

// Token implements TokenProvider.
func (s StaticTokenProvider) Token(context.Context) (string, error) {
	return string(s), nil
}

// TouchSink is notified whenever a file is served, so recency tracking
// can live outside the cache.
type TouchSink interface {
	Touch(hash string)
}

// TouchFunc adapts a function to the TouchSink interface.
type TouchFunc func(hash string)

// Touch implements TouchSink.
func (f TouchFunc) Touch(hash string) { f(hash) }

// FileRecord is the registry entry for a file, keyed by hash.
// Uploaded is false while an upload is still in progress. A Size of 0
// means unknown and is backfilled by the janitor.
type FileRecord struct {
	Hash       string    `json:"hash"`
	Uploaded   bool      `json:"uploaded"`
	UploadDate time.Time `json:"upload_date"`
	Size       int64     `json:"size"`
}

// MetadataStore is the transactional registry of known files.
type MetadataStore interface {
	// Begin opens a transaction over the current registry contents.
	Begin(ctx context.Context) (MetadataTx, error)
}

// MetadataTx stages mutations against a snapshot of the registry.
// Nothing is visible to other readers until Commit. Commit may be
// called more than once; each call flushes the mutations staged since
// the previous one.
type MetadataTx interface {
	// List returns every record in the snapshot.
	List() []FileRecord

	// Delete stages removal of a record.
	Delete(hash string)

	// SetSize stages a size backfill for a record.
	SetSize(hash string, size int64)

	// Commit atomically applies the staged mutations.
	Commit(ctx context.Context) error
}

// Clock is the time source used for retention math and scheduling.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }
