package cache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/maresync/distcache/pkg/bytesize"
)

// Tier identifies one of the two storage tiers.
type Tier int

// Storage tiers. Hot is the serving tier; Cold is the optional
// retention tier below it.
const (
	TierHot Tier = iota
	TierCold
)

func (t Tier) String() string {
	if t == TierCold {
		return "cold"
	}
	return "hot"
}

// stuckUploadAge is how old an in-progress upload record may be before
// the janitor removes it.
const stuckUploadAge = 20 * time.Minute

// sizeBackfillBatch is how many staged registry mutations accumulate
// before an intermediate commit during size backfill.
const sizeBackfillBatch = 1000

// DownloadTracker lets the janitor skip files whose hash has a fetch in
// flight. Satisfied by Provider.
type DownloadTracker interface {
	AnyDownloading(hashes ...string) bool
}

// tierFile is one physical file observed during an enumeration pass.
type tierFile struct {
	path    string
	name    string // uppercased base name
	size    int64
	modTime time.Time
	atime   time.Time
}

// JanitorConfig configures a Janitor.
type JanitorConfig struct {
	HotDir      string
	ColdDir     string
	ColdEnabled bool

	HotRetentionDays  int
	HotForcedHours    int   // <=0 disables forced deletion by write time
	HotSizeLimit      int64 // bytes, <=0 disables
	ColdRetentionDays int
	ColdSizeLimit     int64 // bytes, <=0 disables

	// CheckMinutes is the wall-clock alignment of iterations.
	CheckMinutes int

	Store     MetadataStore
	Metrics   MetricsSink
	Downloads DownloadTracker
	Clock     Clock
	Logger    zerolog.Logger
}

// Janitor reconciles the on-disk tiers with the file registry: it
// deletes files past retention, enforces size caps by least recent
// access, purges orphans and stuck uploads, and backfills unknown
// sizes. It runs independently of the serving path; the two communicate
// only through the filesystem and the registry.
type Janitor struct {
	cfg    JanitorConfig
	clock  Clock
	logger zerolog.Logger
}

// NewJanitor creates a Janitor.
func NewJanitor(cfg JanitorConfig) *Janitor {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.CheckMinutes <= 0 {
		cfg.CheckMinutes = 15
	}
	return &Janitor{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger.With().Str("component", "janitor").Logger(),
	}
}

// Run executes iterations until ctx is cancelled. Iteration errors are
// logged and retried at the next boundary; only cancellation stops the
// loop.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		start := j.clock.Now()
		if err := j.RunIteration(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			j.logger.Error().Err(err).Msg("cleanup iteration failed")
		} else {
			j.logger.Debug().Dur("took", j.clock.Now().Sub(start)).Msg("cleanup iteration finished")
		}

		timer := time.NewTimer(j.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextDelay returns how long to sleep so the next iteration lands on
// the next wall-clock multiple of CheckMinutes within the hour.
func (j *Janitor) nextDelay() time.Duration {
	interval := time.Duration(j.cfg.CheckMinutes) * time.Minute
	now := j.clock.Now()
	previous := now.Truncate(time.Hour).Add(now.Sub(now.Truncate(time.Hour)).Truncate(interval))
	next := previous.Add(interval)
	return next.Sub(now)
}

// RunIteration performs one full maintenance pass. Cold runs before hot.
// Both passes read the registry snapshot taken at Begin, so a record
// staged for deletion by the cold pass is still listed for the hot pass;
// staged deletions take effect when committed. Within a tier, retention precedes the
// size cap so expired files are not counted against the budget, and the
// orphan sweep runs over the post-retention set.
func (j *Janitor) RunIteration(ctx context.Context) error {
	tx, err := j.cfg.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin registry tx: %w", err)
	}

	if j.cfg.ColdEnabled {
		files, err := j.enumerate(j.cfg.ColdDir)
		if err != nil {
			return fmt.Errorf("enumerate cold tier: %w", err)
		}
		files, err = j.cleanUpOutdatedFiles(ctx, tx, TierCold, files, j.cfg.ColdRetentionDays, 0, true)
		if err != nil {
			return err
		}
		files = j.cleanUpFilesBeyondSizeLimit(ctx, tx, TierCold, files, j.cfg.ColdSizeLimit, true)
		j.updateGauges(TierCold, files)
	}

	files, err := j.enumerate(j.cfg.HotDir)
	if err != nil {
		return fmt.Errorf("enumerate hot tier: %w", err)
	}
	deleteFromMeta := !j.cfg.ColdEnabled
	files, err = j.cleanUpOutdatedFiles(ctx, tx, TierHot, files, j.cfg.HotRetentionDays, j.cfg.HotForcedHours, deleteFromMeta)
	if err != nil {
		return err
	}
	files = j.cleanUpFilesBeyondSizeLimit(ctx, tx, TierHot, files, j.cfg.HotSizeLimit, deleteFromMeta)
	j.updateGauges(TierHot, files)

	j.cleanUpStuckUploads(tx)

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit registry tx: %w", err)
	}
	return nil
}

// enumerate lists every regular file below root, including staging
// leftovers.
func (j *Janitor) enumerate(root string) ([]tierFile, error) {
	var files []tierFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Deleted underneath us; skip.
			return nil
		}
		files = append(files, tierFile{
			path:    path,
			name:    strings.ToUpper(d.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
			atime:   accessTime(info),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// cleanUpOutdatedFiles walks every uploaded registry record, removing
// files that are missing from the tier, past their retention window, or
// past the forced-deletion window, and backfills unknown sizes for the
// survivors. It returns the physical files that remain after the
// orphan sweep.
func (j *Janitor) cleanUpOutdatedFiles(ctx context.Context, tx MetadataTx, tier Tier, files []tierFile, retentionDays, forcedHours int, deleteFromMeta bool) ([]tierFile, error) {
	now := j.clock.Now()
	retentionCutoff := now.AddDate(0, 0, -retentionDays)
	forcedCutoff := now.Add(-time.Duration(forcedHours) * time.Hour)

	byName := make(map[string]tierFile, len(files))
	for _, f := range files {
		byName[f.name] = f
	}

	records := tx.List()
	metaKeys := make(map[string]struct{}, len(records))
	for _, r := range records {
		metaKeys[NormalizeHash(r.Hash)] = struct{}{}
	}

	removed := make(map[string]struct{})
	staged := 0

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !rec.Uploaded {
			continue
		}
		hash := NormalizeHash(rec.Hash)
		if j.downloading(hash) {
			continue
		}

		f, onDisk := byName[hash]

		remove := !onDisk ||
			f.atime.Before(retentionCutoff) ||
			(forcedHours > 0 && f.modTime.Before(forcedCutoff))

		if remove {
			if onDisk {
				if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
					j.logger.Warn().Err(err).Str("hash", hash).Msg("could not delete expired file")
					continue
				}
				j.logger.Debug().Str("hash", hash).Str("tier", tier.String()).Msg("deleted expired file")
			}
			removed[hash] = struct{}{}
			if deleteFromMeta {
				tx.Delete(hash)
			}
			continue
		}

		if rec.Size == 0 {
			tx.SetSize(hash, f.size)
			staged++
			if staged%sizeBackfillBatch == 0 {
				if err := tx.Commit(ctx); err != nil {
					return nil, fmt.Errorf("commit size backfill batch: %w", err)
				}
			}
		}
	}

	survivors := files[:0:0]
	for _, f := range files {
		if _, gone := removed[f.name]; !gone {
			survivors = append(survivors, f)
		}
	}

	return j.cleanUpOrphanedFiles(ctx, tier, survivors, metaKeys), nil
}

// cleanUpOrphanedFiles unlinks every file whose name is not a registry
// key. Staging leftovers from failed fetches fall out here too, unless
// their hash is being fetched right now. Cancellation is honored
// between files.
func (j *Janitor) cleanUpOrphanedFiles(ctx context.Context, tier Tier, files []tierFile, metaKeys map[string]struct{}) []tierFile {
	countGauge, sizeGauge := tierGauges(tier)

	kept := files[:0:0]
	for _, f := range files {
		if ctx.Err() != nil {
			return kept
		}
		if _, known := metaKeys[f.name]; known {
			kept = append(kept, f)
			continue
		}
		hash := strings.TrimSuffix(f.name, strings.ToUpper(DownloadSuffix))
		if j.downloading(hash) {
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			j.logger.Warn().Err(err).Str("file", f.name).Msg("could not delete orphaned file")
			continue
		}
		j.cfg.Metrics.DecGauge(countGauge, 1)
		j.cfg.Metrics.DecGauge(sizeGauge, float64(f.size))
		j.logger.Debug().Str("file", f.name).Str("tier", tier.String()).Msg("deleted orphaned file")
	}
	return kept
}

// cleanUpFilesBeyondSizeLimit evicts least recently accessed files
// until the tier fits under limit. A limit of zero or below disables
// enforcement and returns an empty set.
func (j *Janitor) cleanUpFilesBeyondSizeLimit(ctx context.Context, tx MetadataTx, tier Tier, files []tierFile, limit int64, deleteFromMeta bool) []tierFile {
	if limit <= 0 {
		return nil
	}

	sort.Slice(files, func(i, k int) bool {
		return files[i].atime.Before(files[k].atime)
	})

	var total int64
	for _, f := range files {
		total += f.size
	}

	kept := files[:0:0]
	for i, f := range files {
		if ctx.Err() != nil {
			kept = append(kept, files[i:]...)
			return kept
		}
		if total <= limit {
			kept = append(kept, files[i:]...)
			break
		}
		if j.downloading(f.name) {
			kept = append(kept, f)
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			j.logger.Warn().Err(err).Str("file", f.name).Msg("could not evict file over size limit")
			kept = append(kept, f)
			continue
		}
		total -= f.size
		if deleteFromMeta {
			tx.Delete(f.name)
		}
		j.logger.Debug().Str("file", f.name).Str("tier", tier.String()).Str("size", bytesize.Format(f.size)).Msg("evicted file over size limit")
	}
	return kept
}

// cleanUpStuckUploads drops registry records whose upload never
// finished. Their staged artifacts, if any, are collected later as
// orphans.
func (j *Janitor) cleanUpStuckUploads(tx MetadataTx) {
	cutoff := j.clock.Now().Add(-stuckUploadAge)
	for _, rec := range tx.List() {
		if !rec.Uploaded && rec.UploadDate.Before(cutoff) {
			tx.Delete(rec.Hash)
			j.logger.Debug().Str("hash", NormalizeHash(rec.Hash)).Msg("removed stuck upload")
		}
	}
}

// updateGauges publishes the post-iteration totals for a tier.
func (j *Janitor) updateGauges(tier Tier, files []tierFile) {
	countGauge, sizeGauge := tierGauges(tier)
	var total int64
	for _, f := range files {
		total += f.size
	}
	j.cfg.Metrics.SetGauge(countGauge, float64(len(files)))
	j.cfg.Metrics.SetGauge(sizeGauge, float64(total))
}

func tierGauges(tier Tier) (count, size string) {
	if tier == TierCold {
		return GaugeFilesTotalColdStorage, GaugeFilesSizeColdStorage
	}
	return GaugeFilesTotal, GaugeFilesTotalSize
}

// downloading reports whether hash has a fetch in flight. The janitor
// must never unlink such a file out from under the transfer.
func (j *Janitor) downloading(hash string) bool {
	return j.cfg.Downloads != nil && j.cfg.Downloads.AnyDownloading(hash)
}
