// Package settlement drives reuse records from request to a consistent ledger entry.
//
// Every step is a durable state transition guarded by the record's version.
// Slow work is done only by the holder of a persisted lease, so concurrent
// callers and restarted processes converge on a single ledger registration.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"soundslice/core/excerpt"
	"soundslice/core/ledger"
	"soundslice/core/retry"
	"soundslice/core/valuation"
	"soundslice/logger"
	"soundslice/model"
	"soundslice/repository"
	"soundslice/storage"

	"github.com/google/uuid"
)

const (
	defaultLeaseTTL     = 10 * time.Minute
	defaultPollInterval = 50 * time.Millisecond
	maxConflictRounds   = 64
)

// Request asks for a reuse of [StartSec, EndSec) of a track.
type Request struct {
	TrackID     string
	RequesterID string
	StartSec    float64
	EndSec      float64
	// RequestedPercent is what the client believes the share to be. It is never used for pricing.
	RequestedPercent *int
}

// SnapshotCache holds terminal records. Get returns nil, nil on a miss.
type SnapshotCache interface {
	Get(ctx context.Context, id string) (*model.ReuseRecord, error)
	Put(ctx context.Context, rec *model.ReuseRecord) error
	Invalidate(ctx context.Context, id string) error
}

// Deps are the stores and gateways the engine coordinates.
type Deps struct {
	Tracks    repository.TrackRepository
	Reuses    repository.ReuseRepository
	Extractor excerpt.Extractor
	Store     storage.ContentStore
	Ledger    ledger.Gateway
	Cache     SnapshotCache
}

// Options tune retries, leases and reconciliation.
type Options struct {
	ExtractPolicy retry.Policy
	LedgerPolicy  retry.Policy
	StorePolicy   retry.Policy
	LeaseTTL      time.Duration
	PollInterval  time.Duration
	// ReconcileGrace is how long a record must sit untouched before the reconciler picks it up.
	ReconcileGrace time.Duration
	ReconcileBatch int
	Now            func() time.Time
}

// Engine is the settlement state machine. It is safe for concurrent use.
type Engine struct {
	tracks    repository.TrackRepository
	reuses    repository.ReuseRepository
	extractor excerpt.Extractor
	store     storage.ContentStore
	gateway   ledger.Gateway
	cache     SnapshotCache
	opts      Options

	wg sync.WaitGroup
}

// NewEngine wires an engine. Zero-valued options get defaults.
func NewEngine(deps Deps, opts Options) *Engine {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ReconcileBatch <= 0 {
		opts.ReconcileBatch = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ExtractPolicy.Retryable == nil {
		opts.ExtractPolicy.Retryable = func(err error) bool {
			return !errors.Is(err, excerpt.ErrInvalidInterval) && !errors.Is(err, storage.ErrObjectNotFound)
		}
	}
	if opts.LedgerPolicy.Retryable == nil {
		opts.LedgerPolicy.Retryable = ledger.IsTransient
	}
	return &Engine{
		tracks:    deps.Tracks,
		reuses:    deps.Reuses,
		extractor: deps.Extractor,
		store:     deps.Store,
		gateway:   deps.Ledger,
		cache:     deps.Cache,
		opts:      opts,
	}
}

// Settle returns the record for (requester, track, interval), creating and
// driving it to a terminal state if needed. Repeated calls with the same
// request return the same record.
//
// Work continues in the background if ctx ends first; Settle then returns
// the latest persisted snapshot, which may not be terminal yet.
func (e *Engine) Settle(ctx context.Context, req Request) (*model.ReuseRecord, error) {
	return e.settle(ctx, req, nil)
}

func (e *Engine) settle(ctx context.Context, req Request, resubmittedFrom *string) (*model.ReuseRecord, error) {
	track, startMs, endMs, err := e.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	rec, err := e.findOrCreate(ctx, req, track, startMs, endMs, resubmittedFrom)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return rec, nil
	}
	return e.await(ctx, rec)
}

func (e *Engine) validate(ctx context.Context, req Request) (*model.Track, int64, int64, error) {
	if req.TrackID == "" || req.RequesterID == "" {
		return nil, 0, 0, fmt.Errorf("%w: track and requester are required", ErrInvalidRequest)
	}
	track, err := e.tracks.GetByID(ctx, req.TrackID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("load track %s: %w", req.TrackID, err)
	}
	if track == nil {
		return nil, 0, 0, fmt.Errorf("%s: %w", req.TrackID, ErrTrackNotFound)
	}
	if err := excerpt.ValidateInterval(req.StartSec, req.EndSec, track.DurationSeconds); err != nil {
		return nil, 0, 0, err
	}
	startMs, endMs := valuation.IntervalMillis(req.StartSec, req.EndSec)
	if endMs <= startMs {
		// start < end 已校验，亚毫秒区间按 1ms 计
		endMs = startMs + 1
	}
	return track, startMs, endMs, nil
}

func (e *Engine) findOrCreate(ctx context.Context, req Request, track *model.Track, startMs, endMs int64, resubmittedFrom *string) (*model.ReuseRecord, error) {
	key := model.ReuseIdempotencyKey(req.RequesterID, track.ID, startMs, endMs)

	for round := 0; round < maxConflictRounds; round++ {
		existing, err := e.reuses.FindByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
		if existing != nil {
			return existing, nil
		}

		activeKey := key
		rec := &model.ReuseRecord{
			ID:               uuid.NewString(),
			OriginalTrackID:  track.ID,
			RequesterID:      req.RequesterID,
			StartMillis:      startMs,
			EndMillis:        endMs,
			IdempotencyKey:   key,
			ActiveKey:        &activeKey,
			PercentRequested: req.RequestedPercent,
			Status:           model.ReuseStatusDraft,
			ResubmittedFrom:  resubmittedFrom,
			Version:          1,
		}
		err = e.reuses.Create(ctx, rec)
		if err == nil {
			logger.Info("reuse record created",
				logger.RecordID(rec.ID), logger.TrackID(track.ID), logger.String("requester", req.RequesterID))
			return rec, nil
		}
		if !errors.Is(err, repository.ErrDuplicateKey) {
			return nil, err
		}
		// Lost the creation race; the winner's record is picked up next round.
	}
	return nil, fmt.Errorf("could not settle idempotency key %q: %w", key, repository.ErrVersionConflict)
}

type driveResult struct {
	rec *model.ReuseRecord
	err error
}

func (e *Engine) await(ctx context.Context, rec *model.ReuseRecord) (*model.ReuseRecord, error) {
	done := make(chan driveResult, 1)
	callerDone := ctx.Done()
	detached := context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r, err := e.drive(detached, rec.ID, callerDone)
		done <- driveResult{rec: r, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil || errors.Is(r.err, ErrRecordNotFound) {
			return r.rec, r.err
		}
		// 记录已创建，基础设施错误只记日志，返回最新快照，由对账继续推进
		logger.Error("settle step failed, returning latest snapshot",
			logger.RecordID(rec.ID), logger.ErrorField(r.err))
		snap, err := e.reuses.FindByID(detached, rec.ID)
		if err != nil || snap == nil {
			return nil, r.err
		}
		return snap, nil
	case <-ctx.Done():
		snap, err := e.reuses.FindByID(detached, rec.ID)
		if err != nil || snap == nil {
			return rec, nil
		}
		return snap, nil
	}
}

// Record returns the current snapshot of a record.
func (e *Engine) Record(ctx context.Context, id string) (*model.ReuseRecord, error) {
	if e.cache != nil {
		if rec, err := e.cache.Get(ctx, id); err == nil && rec != nil {
			return rec, nil
		} else if err != nil {
			logger.Warn("snapshot cache read failed", logger.RecordID(id), logger.ErrorField(err))
		}
	}
	rec, err := e.reuses.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}
	if rec.Status.IsTerminal() {
		e.cachePut(ctx, rec)
	}
	return rec, nil
}

// Resubmit releases a failed record's idempotency key and settles the same
// request again as a new record. Only the original requester may resubmit.
func (e *Engine) Resubmit(ctx context.Context, id, requesterID string) (*model.ReuseRecord, error) {
	for round := 0; round < maxConflictRounds; round++ {
		rec, err := e.reuses.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
		}
		if rec.RequesterID != requesterID {
			return nil, fmt.Errorf("resubmit %s: %w", id, ErrForbidden)
		}
		if rec.Status != model.ReuseStatusFailed {
			return nil, fmt.Errorf("resubmit %s in status %s: %w", id, rec.Status, ErrNotResubmittable)
		}

		if rec.ActiveKey != nil {
			_, err = e.reuses.UpdateIfVersion(ctx, rec.ID, rec.Version, map[string]interface{}{"active_key": nil})
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			e.cacheInvalidate(ctx, rec.ID)
		}

		logger.Info("resubmitting failed reuse", logger.RecordID(rec.ID))
		from := rec.ID
		return e.settle(ctx, Request{
			TrackID:          rec.OriginalTrackID,
			RequesterID:      rec.RequesterID,
			StartSec:         rec.StartSec(),
			EndSec:           rec.EndSec(),
			RequestedPercent: rec.PercentRequested,
		}, &from)
	}
	return nil, fmt.Errorf("resubmit %s: %w", id, repository.ErrVersionConflict)
}

// Shutdown waits for background settlements to finish or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) cacheInvalidate(ctx context.Context, id string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, id); err != nil {
		logger.Warn("snapshot cache invalidate failed", logger.RecordID(id), logger.ErrorField(err))
	}
}

func (e *Engine) cachePut(ctx context.Context, rec *model.ReuseRecord) {
	if e.cache == nil || !rec.Status.IsTerminal() {
		return
	}
	if err := e.cache.Put(ctx, rec); err != nil {
		logger.Warn("snapshot cache write failed", logger.RecordID(rec.ID), logger.ErrorField(err))
	}
}
