package settlement

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"soundslice/core/excerpt"
	"soundslice/core/ledger"
	"soundslice/core/retry"
	"soundslice/model"
	"soundslice/repository"
	"soundslice/storage"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeExtractor struct {
	store   storage.ContentStore
	calls   atomic.Int32
	fail    error
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeExtractor) Extract(ctx context.Context, src excerpt.Source, startSec, endSec float64) (excerpt.Result, error) {
	f.calls.Add(1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.fail != nil {
		return excerpt.Result{}, f.fail
	}
	body := fmt.Sprintf("%s:%.3f-%.3f", src.ContentRef, startSec, endSec)
	info, err := f.store.Put(ctx, strings.NewReader(body), "audio/mpeg")
	if err != nil {
		return excerpt.Result{}, err
	}
	return excerpt.Result{
		ContentRef:        info.Ref,
		ContentHash:       info.Ref,
		ContentType:       "audio/mpeg",
		Size:              info.Size,
		ActualDurationSec: endSec - startSec,
	}, nil
}

type mapCache struct {
	mu   sync.Mutex
	recs map[string]model.ReuseRecord
}

func (c *mapCache) Get(ctx context.Context, id string) (*model.ReuseRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recs[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (c *mapCache) Put(ctx context.Context, rec *model.ReuseRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs[rec.ID] = *rec
	return nil
}

func (c *mapCache) Invalidate(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recs, id)
	return nil
}

// flakyTracks fails ConditionalIncrement while err is set.
type flakyTracks struct {
	repository.TrackRepository
	err error
}

func (f *flakyTracks) ConditionalIncrement(ctx context.Context, trackID, recordID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.TrackRepository.ConditionalIncrement(ctx, trackID, recordID)
}

type env struct {
	engine    *Engine
	tracks    repository.TrackRepository
	reuses    repository.ReuseRepository
	store     *storage.MemoryStore
	ledger    *ledger.MemoryLedger
	extractor *fakeExtractor
	cache     *mapCache
	track     *model.Track
}

func newEnv(t *testing.T, tweak func(*Options)) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settle.sqlite3")
	gdb, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, gdb.AutoMigrate(&model.Track{}, &model.ReuseRecord{}, &model.TrackReuseCredit{}))

	e := &env{
		tracks: repository.NewGormTrackRepository(gdb),
		reuses: repository.NewGormReuseRepository(gdb),
		store:  storage.NewMemoryStore(),
		ledger: ledger.NewMemoryLedger(),
		cache:  &mapCache{recs: make(map[string]model.ReuseRecord)},
	}
	e.extractor = &fakeExtractor{store: e.store}

	e.track = &model.Track{
		ID:                  uuid.NewString(),
		OwnerID:             "creator",
		Title:               "Night Drive",
		Genre:               "synthwave",
		Visibility:          model.TrackVisibilityPublic,
		BasePriceMinorUnits: 1_000_000,
		DurationSeconds:     180,
		ContentHash:         "trackhash",
		ContentRef:          "trackref",
		ContentType:         "audio/mpeg",
		Kind:                model.TrackKindOriginal,
	}
	require.NoError(t, e.tracks.Create(context.Background(), e.track))

	opts := Options{
		ExtractPolicy: retry.Policy{MaxAttempts: 3},
		LedgerPolicy:  retry.Policy{MaxAttempts: 3},
		StorePolicy:   retry.Policy{MaxAttempts: 3},
		LeaseTTL:      time.Minute,
		PollInterval:  5 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	e.engine = NewEngine(Deps{
		Tracks:    e.tracks,
		Reuses:    e.reuses,
		Extractor: e.extractor,
		Store:     e.store,
		Ledger:    e.ledger,
		Cache:     e.cache,
	}, opts)
	return e
}

func (e *env) request(requester string, start, end float64) Request {
	return Request{TrackID: e.track.ID, RequesterID: requester, StartSec: start, EndSec: end}
}

func (e *env) reuseCount(t *testing.T) int64 {
	t.Helper()
	track, err := e.tracks.GetByID(context.Background(), e.track.ID)
	require.NoError(t, err)
	return track.TotalReuseCount
}

func TestSettle_Finalizes(t *testing.T) {
	e := newEnv(t, nil)
	percent := 50
	req := e.request("alice", 30, 60)
	req.RequestedPercent = &percent

	rec, err := e.engine.Settle(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.ReuseStatusFinalized, rec.Status)
	assert.Equal(t, 17, rec.Percent)
	assert.Equal(t, int64(170_000), rec.ValuationMinorUnits)
	require.NotNil(t, rec.LedgerEntryID)
	assert.NotEmpty(t, rec.SnippetContentRef)
	assert.InDelta(t, 30.0, rec.SnippetDurationSec, 0.001)
	assert.Nil(t, rec.FailureReason)
	assert.Empty(t, rec.LeaseOwner)
	assert.Equal(t, int64(1), e.reuseCount(t))

	payload, ok := e.ledger.Lookup(ledger.Token(rec.ID))
	require.True(t, ok)
	assert.Equal(t, 17, payload.ReusePercent)
	assert.Equal(t, int64(170_000), payload.ValuePaid)
	assert.Equal(t, ledger.Bytes32ID(e.track.ID), payload.OriginalID)
	assert.Equal(t, "creator", payload.Creator)
	assert.Equal(t, "alice", payload.Reuser)
	assert.Equal(t, "trackhash", payload.OriginalFileHash)
	assert.Equal(t, rec.SnippetContentHash, payload.SnippetHash)
	assert.Equal(t, int64(30_000), payload.SnippetDurationMillis)
}

func TestSettle_IsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	first, err := e.engine.Settle(ctx, e.request("alice", 30, 60))
	require.NoError(t, err)
	second, err := e.engine.Settle(ctx, e.request("alice", 30, 60))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.LedgerEntryID, second.LedgerEntryID)
	assert.Equal(t, 1, e.ledger.Calls())
	assert.Equal(t, int32(1), e.extractor.calls.Load())
	assert.Equal(t, int64(1), e.reuseCount(t))
}

func TestSettle_ConcurrentCallersShareOneRecord(t *testing.T) {
	e := newEnv(t, nil)
	const n = 8

	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := e.engine.Settle(context.Background(), e.request("alice", 30, 60))
			errs[i] = err
			if err == nil {
				assert.Equal(t, model.ReuseStatusFinalized, rec.Status)
				ids[i] = rec.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, e.ledger.Calls())
	assert.Equal(t, 1, e.ledger.Entries())
	assert.Equal(t, int32(1), e.extractor.calls.Load())
	assert.Equal(t, int64(1), e.reuseCount(t))
}

func TestSettle_RejectsBeforeCreatingRecord(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.engine.Settle(ctx, e.request("alice", 170, 200))
	assert.True(t, errors.Is(err, excerpt.ErrInvalidInterval))

	_, err = e.engine.Settle(ctx, e.request("alice", 60, 30))
	assert.True(t, errors.Is(err, excerpt.ErrInvalidInterval))

	_, err = e.engine.Settle(ctx, Request{TrackID: "missing", RequesterID: "alice", StartSec: 0, EndSec: 1})
	assert.True(t, errors.Is(err, ErrTrackNotFound))

	_, err = e.engine.Settle(ctx, Request{TrackID: e.track.ID, StartSec: 0, EndSec: 1})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	recs, err := e.reuses.ListByRequester(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int32(0), e.extractor.calls.Load())
}

func TestSettle_SubMillisecondInterval(t *testing.T) {
	e := newEnv(t, nil)

	rec, err := e.engine.Settle(context.Background(), e.request("alice", 10, 10.0004))
	require.NoError(t, err)

	assert.Equal(t, model.ReuseStatusFinalized, rec.Status)
	assert.Equal(t, int64(10_000), rec.StartMillis)
	assert.Equal(t, int64(10_001), rec.EndMillis)
	assert.Equal(t, 1, rec.Percent)
	assert.Equal(t, int64(10_000), rec.ValuationMinorUnits)
}

func TestSettle_LedgerRejectionFails(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.ledger.FailNext(fmt.Errorf("%w: status 400: bad payload", ledger.ErrRejected))

	rec, err := e.engine.Settle(ctx, e.request("alice", 30, 60))
	require.NoError(t, err)

	assert.Equal(t, model.ReuseStatusFailed, rec.Status)
	require.NotNil(t, rec.FailureReason)
	assert.Contains(t, *rec.FailureReason, "bad payload")
	assert.Nil(t, rec.LedgerEntryID)
	assert.Equal(t, int64(0), e.reuseCount(t))

	// The failed record keeps its key, so a plain retry observes the failure.
	again, err := e.engine.Settle(ctx, e.request("alice", 30, 60))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 1, e.ledger.Calls())
}

func TestSettle_TransientLedgerErrorsAreRetried(t *testing.T) {
	e := newEnv(t, nil)
	e.ledger.FailNext(ledger.ErrTransient, ledger.ErrTransient)

	rec, err := e.engine.Settle(context.Background(), e.request("alice", 30, 60))
	require.NoError(t, err)

	assert.Equal(t, model.ReuseStatusFinalized, rec.Status)
	assert.Equal(t, 3, e.ledger.Calls())
	assert.Equal(t, 1, e.ledger.Entries())
	assert.Equal(t, 4, rec.Attempts)
}

func TestSettle_LedgerRetriesExhausted(t *testing.T) {
	e := newEnv(t, nil)
	e.ledger.FailNext(ledger.ErrTransient, ledger.ErrTransient, ledger.ErrTransient)

	rec, err := e.engine.Settle(context.Background(), e.request("alice", 30, 60))
	require.NoError(t, err)

	assert.Equal(t, model.ReuseStatusFailed, rec.Status)
	require.NotNil(t, rec.FailureReason)
	assert.Contains(t, *rec.FailureReason, retry.ErrExhausted.Error())
	assert.Equal(t, 3, e.ledger.Calls())
}

func TestSettle_ExtractionExhaustedFails(t *testing.T) {
	e := newEnv(t, nil)
	e.extractor.fail = fmt.Errorf("%w: ffmpeg exited 1", excerpt.ErrExtractionFailed)

	rec, err := e.engine.Settle(context.Background(), e.request("alice", 30, 60))
	require.NoError(t, err)

	assert.Equal(t, model.ReuseStatusFailed, rec.Status)
	require.NotNil(t, rec.FailureReason)
	assert.Contains(t, *rec.FailureReason, "ffmpeg exited 1")
	assert.Equal(t, int32(3), e.extractor.calls.Load())
	assert.Equal(t, 0, e.ledger.Calls())
}

func TestSettle_InvalidIntervalFromExtractorIsNotRetried(t *testing.T) {
	e := newEnv(t, nil)
	e.extractor.fail = fmt.Errorf("source shorter than expected: %w", excerpt.ErrInvalidInterval)

	rec, err := e.engine.Settle(context.Background(), e.request("alice", 30, 60))
	require.NoError(t, err)

	assert.Equal(t, model.ReuseStatusFailed, rec.Status)
	assert.Equal(t, int32(1), e.extractor.calls.Load())
}

func TestSettle_MissingSourceIsNotRetried(t *testing.T) {
	e := newEnv(t, nil)
	e.extractor.fail = fmt.Errorf("%w: download source: %w", excerpt.ErrExtractionFailed, storage.ErrObjectNotFound)

	rec, err := e.engine.Settle(context.Background(), e.request("alice", 30, 60))
	require.NoError(t, err)

	assert.Equal(t, model.ReuseStatusFailed, rec.Status)
	assert.Equal(t, int32(1), e.extractor.calls.Load())
}

func TestSettle_StepErrorReturnsLatestSnapshot(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	flaky := &flakyTracks{TrackRepository: e.tracks, err: errors.New("database is locked")}
	engine := NewEngine(Deps{
		Tracks:    flaky,
		Reuses:    e.reuses,
		Extractor: e.extractor,
		Store:     e.store,
		Ledger:    e.ledger,
	}, Options{
		ExtractPolicy: retry.Policy{MaxAttempts: 1},
		LedgerPolicy:  retry.Policy{MaxAttempts: 1},
		StorePolicy:   retry.Policy{MaxAttempts: 2},
		LeaseTTL:      time.Minute,
		PollInterval:  5 * time.Millisecond,
	})

	rec, err := engine.Settle(ctx, e.request("alice", 30, 60))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.ReuseStatusLedgerSubmitted, rec.Status)
	assert.Empty(t, rec.LeaseOwner)
	assert.Equal(t, int64(0), e.reuseCount(t))

	// 存储恢复后，同一请求从 LedgerSubmitted 继续，不再调用账本
	final, err := e.engine.Settle(ctx, e.request("alice", 30, 60))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, final.ID)
	assert.Equal(t, model.ReuseStatusFinalized, final.Status)
	assert.Equal(t, 1, e.ledger.Calls())
	assert.Equal(t, int64(1), e.reuseCount(t))
}

func TestSettle_CallerCancellationDoesNotAbortWork(t *testing.T) {
	e := newEnv(t, nil)
	e.extractor.gate = make(chan struct{})
	e.extractor.entered = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		rec *model.ReuseRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := e.engine.Settle(ctx, e.request("alice", 30, 60))
		done <- result{rec, err}
	}()

	select {
	case <-e.extractor.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("extraction never started")
	}
	cancel()

	var got result
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("settle did not return after cancellation")
	}
	require.NoError(t, got.err)
	assert.Equal(t, model.ReuseStatusValuated, got.rec.Status)

	close(e.extractor.gate)
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, e.engine.Shutdown(shutdownCtx))

	final, err := e.engine.Record(context.Background(), got.rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReuseStatusFinalized, final.Status)
	assert.Equal(t, int64(1), e.reuseCount(t))
}

func TestResubmit(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.ledger.FailNext(ledger.ErrRejected)

	failed, err := e.engine.Settle(ctx, e.request("alice", 30, 60))
	require.NoError(t, err)
	require.Equal(t, model.ReuseStatusFailed, failed.Status)

	_, err = e.engine.Resubmit(ctx, failed.ID, "mallory")
	assert.True(t, errors.Is(err, ErrForbidden))

	_, err = e.engine.Resubmit(ctx, "missing", "alice")
	assert.True(t, errors.Is(err, ErrRecordNotFound))

	retried, err := e.engine.Resubmit(ctx, failed.ID, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retried.ID)
	assert.Equal(t, model.ReuseStatusFinalized, retried.Status)
	require.NotNil(t, retried.ResubmittedFrom)
	assert.Equal(t, failed.ID, *retried.ResubmittedFrom)

	old, err := e.reuses.FindByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.Nil(t, old.ActiveKey)
	assert.Equal(t, model.ReuseStatusFailed, old.Status)

	// The key now belongs to the new record.
	again, err := e.engine.Settle(ctx, e.request("alice", 30, 60))
	require.NoError(t, err)
	assert.Equal(t, retried.ID, again.ID)

	_, err = e.engine.Resubmit(ctx, retried.ID, "alice")
	assert.True(t, errors.Is(err, ErrNotResubmittable))
	assert.Equal(t, int64(1), e.reuseCount(t))
}

func TestResubmit_InvalidatesCachedSnapshot(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.ledger.FailNext(ledger.ErrRejected)

	failed, err := e.engine.Settle(ctx, e.request("alice", 30, 60))
	require.NoError(t, err)
	require.Equal(t, model.ReuseStatusFailed, failed.Status)
	cached, err := e.cache.Get(ctx, failed.ID)
	require.NoError(t, err)
	require.NotNil(t, cached)

	_, err = e.engine.Resubmit(ctx, failed.ID, "alice")
	require.NoError(t, err)

	got, err := e.engine.Record(ctx, failed.ID)
	require.NoError(t, err)
	assert.Greater(t, got.Version, failed.Version)
	assert.Nil(t, got.ActiveKey)
}

func TestSettle_CountMatchesFinalizedRecords(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.ledger.FailNext(ledger.ErrRejected)

	var wg sync.WaitGroup
	for i, requester := range []string{"alice", "bob", "carol", "alice", "bob"} {
		wg.Add(1)
		go func(i int, requester string) {
			defer wg.Done()
			_, err := e.engine.Settle(ctx, e.request(requester, float64(i*10), float64(i*10+15)))
			assert.NoError(t, err)
		}(i, requester)
	}
	wg.Wait()

	finalized, err := e.reuses.CountFinalized(ctx, e.track.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), finalized)
	assert.Equal(t, finalized, e.reuseCount(t))

	credits, err := e.tracks.CountCredits(ctx, e.track.ID)
	require.NoError(t, err)
	assert.Equal(t, finalized, credits)
}

func seedRecord(t *testing.T, e *env, status model.ReuseStatus, mutate func(*model.ReuseRecord)) *model.ReuseRecord {
	t.Helper()
	key := model.ReuseIdempotencyKey("alice", e.track.ID, 30_000, 60_000)
	rec := &model.ReuseRecord{
		ID:                  uuid.NewString(),
		OriginalTrackID:     e.track.ID,
		RequesterID:         "alice",
		StartMillis:         30_000,
		EndMillis:           60_000,
		IdempotencyKey:      key,
		ActiveKey:           &key,
		Percent:             17,
		ValuationMinorUnits: 170_000,
		SnippetContentRef:   "snippetref",
		SnippetContentHash:  "snippethash",
		SnippetDurationSec:  30,
		SnippetContentType:  "audio/mpeg",
		Status:              status,
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, e.reuses.Create(context.Background(), rec))
	return rec
}

// later shifts the engine clock so freshly written records already look stale.
func later(o *Options) {
	o.ReconcileGrace = time.Minute
	o.Now = func() time.Time { return time.Now().Add(time.Hour) }
}

func TestReconcile_ResumesPersistedPending(t *testing.T) {
	e := newEnv(t, later)
	rec := seedRecord(t, e, model.ReuseStatusPersistedPending, nil)

	sum, err := e.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Finalized: 1}, sum)

	got, err := e.engine.Record(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReuseStatusFinalized, got.Status)
	assert.Equal(t, 1, e.ledger.Calls())
	assert.Equal(t, int32(0), e.extractor.calls.Load())
	assert.Equal(t, int64(1), e.reuseCount(t))

	payload, ok := e.ledger.Lookup(ledger.Token(rec.ID))
	require.True(t, ok)
	assert.Equal(t, "snippethash", payload.SnippetHash)
}

func TestReconcile_LedgerSubmittedFinalizesWithoutLedgerCall(t *testing.T) {
	e := newEnv(t, later)
	entry := "0xentry"
	rec := seedRecord(t, e, model.ReuseStatusLedgerSubmitted, func(r *model.ReuseRecord) {
		r.LedgerEntryID = &entry
	})

	sum, err := e.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Finalized)

	got, err := e.reuses.FindByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReuseStatusFinalized, got.Status)
	assert.Equal(t, &entry, got.LedgerEntryID)
	assert.Equal(t, 0, e.ledger.Calls())
	assert.Equal(t, int64(1), e.reuseCount(t))

	// A second pass finds nothing to do.
	sum, err = e.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
	assert.Equal(t, int64(1), e.reuseCount(t))
}

func TestReconcile_SkipsLiveLease(t *testing.T) {
	e := newEnv(t, later)
	until := time.Now().Add(24 * time.Hour)
	seedRecord(t, e, model.ReuseStatusPersistedPending, func(r *model.ReuseRecord) {
		r.LeaseOwner = "other-worker"
		r.LeaseExpiresAt = &until
	})

	sum, err := e.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Scanned)
	assert.Equal(t, 0, e.ledger.Calls())
}

func TestReconcile_TakesOverExpiredLease(t *testing.T) {
	e := newEnv(t, later)
	expired := time.Now().Add(time.Minute)
	rec := seedRecord(t, e, model.ReuseStatusValuated, func(r *model.ReuseRecord) {
		r.SnippetContentRef = ""
		r.LeaseOwner = "crashed-worker"
		r.LeaseExpiresAt = &expired
	})

	sum, err := e.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Finalized)

	got, err := e.reuses.FindByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReuseStatusFinalized, got.Status)
	assert.NotEmpty(t, got.SnippetContentRef)
	assert.Equal(t, int32(1), e.extractor.calls.Load())
}

func TestRecord_ServesTerminalSnapshotsFromCache(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	rec, err := e.engine.Settle(ctx, e.request("alice", 30, 60))
	require.NoError(t, err)

	cached, err := e.cache.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, model.ReuseStatusFinalized, cached.Status)

	got, err := e.engine.Record(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = e.engine.Record(ctx, "missing")
	assert.True(t, errors.Is(err, ErrRecordNotFound))
}

func TestDiscardOrphan(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	winner, err := e.store.Put(ctx, strings.NewReader("winner"), "audio/mpeg")
	require.NoError(t, err)
	loser, err := e.store.Put(ctx, strings.NewReader("loser"), "audio/mpeg")
	require.NoError(t, err)
	rec := seedRecord(t, e, model.ReuseStatusPersistedPending, func(r *model.ReuseRecord) {
		r.SnippetContentRef = winner.Ref
	})

	e.engine.discardOrphan(ctx, rec.ID, winner.Ref)
	e.engine.discardOrphan(ctx, rec.ID, loser.Ref)

	_, err = e.store.Stat(ctx, winner.Ref)
	assert.NoError(t, err)
	_, err = e.store.Stat(ctx, loser.Ref)
	assert.True(t, errors.Is(err, storage.ErrObjectNotFound))
}
