package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maresync/distcache/testutil"
)

// fakeStore is a minimal in-memory MetadataStore for janitor tests.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]FileRecord
	commits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]FileRecord)}
}

func (s *fakeStore) put(rec FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Hash = strings.ToUpper(rec.Hash)
	s.records[rec.Hash] = rec
}

func (s *fakeStore) has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[strings.ToUpper(hash)]
	return ok
}

func (s *fakeStore) get(hash string) FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[strings.ToUpper(hash)]
}

func (s *fakeStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *fakeStore) Begin(ctx context.Context) (MetadataTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]FileRecord, 0, len(s.records))
	for _, r := range s.records {
		snapshot = append(snapshot, r)
	}
	return &fakeTx{
		store:    s,
		snapshot: snapshot,
		sizes:    make(map[string]int64),
		deletes:  make(map[string]struct{}),
	}, nil
}

type fakeTx struct {
	store    *fakeStore
	snapshot []FileRecord
	sizes    map[string]int64
	deletes  map[string]struct{}
}

func (t *fakeTx) List() []FileRecord {
	out := make([]FileRecord, len(t.snapshot))
	copy(out, t.snapshot)
	return out
}

func (t *fakeTx) Delete(hash string) {
	t.deletes[strings.ToUpper(hash)] = struct{}{}
}

func (t *fakeTx) SetSize(hash string, size int64) {
	t.sizes[strings.ToUpper(hash)] = size
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for hash := range t.deletes {
		delete(t.store.records, hash)
	}
	for hash, size := range t.sizes {
		if rec, ok := t.store.records[hash]; ok {
			rec.Size = size
			t.store.records[hash] = rec
		}
	}
	t.store.commits++
	t.deletes = make(map[string]struct{})
	t.sizes = make(map[string]int64)
	return nil
}

// downloadSet is a fixed DownloadTracker.
type downloadSet map[string]struct{}

func (d downloadSet) AnyDownloading(hashes ...string) bool {
	for _, h := range hashes {
		if _, ok := d[strings.ToUpper(h)]; ok {
			return true
		}
	}
	return false
}

type janitorEnv struct {
	janitor *Janitor
	cfg     JanitorConfig
	store   *fakeStore
	sink    *testutil.RecorderSink
	clock   *testutil.FakeClock
	hotDir  string
	coldDir string
}

func newJanitorEnv(t *testing.T, mutate func(*JanitorConfig)) *janitorEnv {
	t.Helper()

	env := &janitorEnv{
		store:   newFakeStore(),
		sink:    testutil.NewRecorderSink(),
		clock:   testutil.NewFakeClock(time.Date(2024, 5, 10, 12, 7, 30, 0, time.UTC)),
		hotDir:  t.TempDir(),
		coldDir: t.TempDir(),
	}

	cfg := JanitorConfig{
		HotDir:            env.hotDir,
		ColdDir:           env.coldDir,
		ColdEnabled:       false,
		HotRetentionDays:  14,
		ColdRetentionDays: 60,
		CheckMinutes:      15,
		Store:             env.store,
		Metrics:           env.sink,
		Clock:             env.clock,
		Logger:            zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.cfg = cfg
	env.janitor = NewJanitor(cfg)
	return env
}

// seed writes a file and a matching uploaded record, with the given
// last-access age.
func (env *janitorEnv) seed(t *testing.T, root, hash string, size int, accessAge time.Duration) string {
	t.Helper()
	path := testutil.SeedFile(t, root, hash, make([]byte, size))
	at := env.clock.Now().Add(-accessAge)
	testutil.SetFileTimes(t, path, at, at)
	env.store.put(FileRecord{Hash: hash, Uploaded: true, UploadDate: env.clock.Now().Add(-accessAge), Size: int64(size)})
	return path
}

func TestJanitor_RetentionDeletesStaleFiles(t *testing.T) {
	env := newJanitorEnv(t, nil)

	stale := env.seed(t, env.hotDir, "AA01", 10, 20*24*time.Hour)
	fresh := env.seed(t, env.hotDir, "BB02", 10, time.Hour)

	require.NoError(t, env.janitor.RunIteration(context.Background()))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)

	// Cold storage disabled, so retention removes the record too.
	assert.False(t, env.store.has("AA01"))
	assert.True(t, env.store.has("BB02"))
}

func TestJanitor_MissingFileDropsRecord(t *testing.T) {
	env := newJanitorEnv(t, nil)
	env.store.put(FileRecord{Hash: "DEAD", Uploaded: true, UploadDate: env.clock.Now(), Size: 5})

	require.NoError(t, env.janitor.RunIteration(context.Background()))
	assert.False(t, env.store.has("DEAD"))
}

func TestJanitor_ForcedDeletionByWriteTime(t *testing.T) {
	env := newJanitorEnv(t, func(cfg *JanitorConfig) {
		cfg.HotForcedHours = 24
	})

	// Accessed recently but written 48h ago: forced deletion wins.
	path := testutil.SeedFile(t, env.hotDir, "CC03", make([]byte, 10))
	testutil.SetFileTimes(t, path, env.clock.Now(), env.clock.Now().Add(-48*time.Hour))
	env.store.put(FileRecord{Hash: "CC03", Uploaded: true, UploadDate: env.clock.Now(), Size: 10})

	require.NoError(t, env.janitor.RunIteration(context.Background()))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, env.store.has("CC03"))
}

func TestJanitor_SizeCapEvictsLeastRecentlyAccessed(t *testing.T) {
	env := newJanitorEnv(t, func(cfg *JanitorConfig) {
		cfg.HotSizeLimit = 25
	})

	oldest := env.seed(t, env.hotDir, "AA10", 10, 72*time.Hour)
	middle := env.seed(t, env.hotDir, "BB20", 10, 48*time.Hour)
	newest := env.seed(t, env.hotDir, "CC30", 10, time.Hour)

	require.NoError(t, env.janitor.RunIteration(context.Background()))

	_, err := os.Stat(oldest)
	assert.True(t, os.IsNotExist(err), "oldest file should be evicted")
	_, err = os.Stat(middle)
	assert.NoError(t, err)
	_, err = os.Stat(newest)
	assert.NoError(t, err)

	assert.False(t, env.store.has("AA10"))
	assert.Equal(t, float64(2), env.sink.Value(GaugeFilesTotal))
	assert.Equal(t, float64(20), env.sink.Value(GaugeFilesTotalSize))
}

func TestJanitor_RetentionPrecedesSizeCap(t *testing.T) {
	// An expired file must fall to retention, not be counted toward
	// the size budget.
	env := newJanitorEnv(t, func(cfg *JanitorConfig) {
		cfg.HotSizeLimit = 25
	})

	expired := env.seed(t, env.hotDir, "AA11", 20, 20*24*time.Hour)
	keepA := env.seed(t, env.hotDir, "BB22", 10, 2*time.Hour)
	keepB := env.seed(t, env.hotDir, "CC33", 10, time.Hour)

	require.NoError(t, env.janitor.RunIteration(context.Background()))

	_, err := os.Stat(expired)
	assert.True(t, os.IsNotExist(err))
	// With the expired file gone the rest fits the cap; nothing else
	// is evicted.
	_, err = os.Stat(keepA)
	assert.NoError(t, err)
	_, err = os.Stat(keepB)
	assert.NoError(t, err)
}

func TestJanitor_OrphanedFilesAreDeleted(t *testing.T) {
	env := newJanitorEnv(t, nil)

	orphan := testutil.SeedFile(t, env.hotDir, "FEED", []byte("nobody knows me"))
	tracked := env.seed(t, env.hotDir, "AB01", 10, time.Hour)

	// Staging leftovers are orphans too.
	staged := PathFor(env.hotDir, "AB01") + DownloadSuffix
	require.NoError(t, os.WriteFile(staged, []byte("partial"), 0o644))

	require.NoError(t, env.janitor.RunIteration(context.Background()))

	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(tracked)
	assert.NoError(t, err)
}

func TestJanitor_SkipsActiveDownloads(t *testing.T) {
	env := newJanitorEnv(t, func(cfg *JanitorConfig) {
		cfg.Downloads = downloadSet{"AA01": {}, "BB02": {}}
	})

	// Expired but mid-download: must survive.
	expired := env.seed(t, env.hotDir, "AA01", 10, 20*24*time.Hour)
	// Orphaned staging file of an active download: must survive.
	staged := PathFor(env.hotDir, "BB02") + DownloadSuffix
	require.NoError(t, os.MkdirAll(filepath.Dir(staged), 0o755))
	require.NoError(t, os.WriteFile(staged, []byte("partial"), 0o644))

	require.NoError(t, env.janitor.RunIteration(context.Background()))

	_, err := os.Stat(expired)
	assert.NoError(t, err)
	_, err = os.Stat(staged)
	assert.NoError(t, err)
	assert.True(t, env.store.has("AA01"))
}

func TestJanitor_SizeBackfill(t *testing.T) {
	env := newJanitorEnv(t, nil)

	path := testutil.SeedFile(t, env.hotDir, "AB10", make([]byte, 123))
	now := env.clock.Now()
	testutil.SetFileTimes(t, path, now, now)
	env.store.put(FileRecord{Hash: "AB10", Uploaded: true, UploadDate: now, Size: 0})

	require.NoError(t, env.janitor.RunIteration(context.Background()))
	assert.Equal(t, int64(123), env.store.get("AB10").Size)
}

func TestJanitor_StuckUploadsRemoved(t *testing.T) {
	env := newJanitorEnv(t, nil)

	env.store.put(FileRecord{Hash: "AAAA", Uploaded: false, UploadDate: env.clock.Now().Add(-30 * time.Minute)})
	env.store.put(FileRecord{Hash: "BBBB", Uploaded: false, UploadDate: env.clock.Now().Add(-5 * time.Minute)})

	require.NoError(t, env.janitor.RunIteration(context.Background()))

	assert.False(t, env.store.has("AAAA"), "stuck upload should be purged")
	assert.True(t, env.store.has("BBBB"), "recent in-progress upload should remain")
}

func TestJanitor_ColdTierProcessedWithMetadataDeletion(t *testing.T) {
	env := newJanitorEnv(t, func(cfg *JanitorConfig) {
		cfg.ColdEnabled = true
	})

	// Expired in cold: file and record go.
	staleCold := env.seed(t, env.coldDir, "AA77", 10, 90*24*time.Hour)
	// Expired in hot but present in cold: hot copy goes, record stays.
	staleHotPath := env.seed(t, env.hotDir, "BB88", 10, 30*24*time.Hour)
	coldCopy := testutil.SeedFile(t, env.coldDir, "BB88", make([]byte, 10))
	testutil.SetFileTimes(t, coldCopy, env.clock.Now(), env.clock.Now())

	require.NoError(t, env.janitor.RunIteration(context.Background()))

	_, err := os.Stat(staleCold)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, env.store.has("AA77"))

	_, err = os.Stat(staleHotPath)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, env.store.has("BB88"), "hot retention must not delete records while cold storage is enabled")
	_, err = os.Stat(coldCopy)
	assert.NoError(t, err)
}

func TestJanitor_Idempotent(t *testing.T) {
	env := newJanitorEnv(t, func(cfg *JanitorConfig) {
		cfg.HotSizeLimit = 25
	})

	env.seed(t, env.hotDir, "AA01", 10, 20*24*time.Hour)
	env.seed(t, env.hotDir, "BB02", 10, 2*time.Hour)
	env.seed(t, env.hotDir, "CC03", 10, time.Hour)
	testutil.SeedFile(t, env.hotDir, "0FAN", []byte("orphan"))

	require.NoError(t, env.janitor.RunIteration(context.Background()))

	snapshotFiles := func() []tierFile {
		files, err := env.janitor.enumerate(env.hotDir)
		require.NoError(t, err)
		return files
	}
	firstFiles := snapshotFiles()
	firstRecords := env.store.size()

	require.NoError(t, env.janitor.RunIteration(context.Background()))

	assert.Equal(t, len(firstFiles), len(snapshotFiles()))
	assert.Equal(t, firstRecords, env.store.size())
}

func TestJanitor_CancellationStopsIteration(t *testing.T) {
	env := newJanitorEnv(t, nil)
	env.seed(t, env.hotDir, "AA01", 10, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.janitor.RunIteration(ctx)
	require.Error(t, err)
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	env := newJanitorEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.janitor.Run(ctx)
	}()

	// Give the first iteration a moment, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("janitor did not stop after cancellation")
	}
}

func TestJanitor_NextDelayAlignsToBoundary(t *testing.T) {
	env := newJanitorEnv(t, nil) // clock pinned to 12:07:30, cadence 15m

	// Previous boundary is 12:00, next is 12:15.
	assert.Equal(t, 7*time.Minute+30*time.Second, env.janitor.nextDelay())

	env.clock.Advance(7*time.Minute + 30*time.Second) // 12:15:00
	assert.Equal(t, 15*time.Minute, env.janitor.nextDelay())

	env.clock.Advance(time.Second) // 12:15:01
	assert.Equal(t, 14*time.Minute+59*time.Second, env.janitor.nextDelay())
}

func TestJanitor_GaugesReflectTotalsAfterIteration(t *testing.T) {
	env := newJanitorEnv(t, func(cfg *JanitorConfig) {
		cfg.HotSizeLimit = 1000
	})

	env.seed(t, env.hotDir, "AA01", 100, time.Hour)
	env.seed(t, env.hotDir, "BB02", 200, time.Hour)

	require.NoError(t, env.janitor.RunIteration(context.Background()))

	assert.Equal(t, float64(2), env.sink.Value(GaugeFilesTotal))
	assert.Equal(t, float64(300), env.sink.Value(GaugeFilesTotalSize))
}
