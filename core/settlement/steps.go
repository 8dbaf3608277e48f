package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"soundslice/core/excerpt"
	"soundslice/core/ledger"
	"soundslice/core/valuation"
	"soundslice/logger"
	"soundslice/model"
	"soundslice/repository"

	"github.com/google/uuid"
)

var errConflict = errors.New("record changed concurrently")

// drive advances one record until it is terminal. It only does work while
// holding the record's lease; when another owner holds it, drive polls
// until callerDone is closed.
func (e *Engine) drive(ctx context.Context, id string, callerDone <-chan struct{}) (*model.ReuseRecord, error) {
	owner := uuid.NewString()
	conflicts := 0

	for {
		rec, err := e.reuses.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
		}
		if rec.Status.IsTerminal() {
			e.cachePut(ctx, rec)
			return rec, nil
		}

		if rec.LeaseHeld(owner, e.opts.Now()) {
			if !e.wait(ctx, callerDone) {
				return rec, nil
			}
			continue
		}

		rec, err = e.claim(ctx, rec, owner)
		if err == nil {
			err = e.step(ctx, rec, owner)
		}
		switch {
		case err == nil:
		case errors.Is(err, errConflict), errors.Is(err, repository.ErrVersionConflict):
			conflicts++
			if conflicts > maxConflictRounds {
				return nil, fmt.Errorf("record %s: %w", id, repository.ErrVersionConflict)
			}
			logger.Debug("settle conflict, re-reading", logger.RecordID(id), logger.Int("round", conflicts))
		default:
			e.release(ctx, id, owner)
			return nil, err
		}
	}
}

func (e *Engine) wait(ctx context.Context, callerDone <-chan struct{}) bool {
	timer := time.NewTimer(e.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-callerDone:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) leaseExpiry() time.Time {
	return e.opts.Now().Add(e.opts.LeaseTTL)
}

// claim takes or renews the lease with a version-checked write.
func (e *Engine) claim(ctx context.Context, rec *model.ReuseRecord, owner string) (*model.ReuseRecord, error) {
	return e.reuses.UpdateIfVersion(ctx, rec.ID, rec.Version, map[string]interface{}{
		"lease_owner":      owner,
		"lease_expires_at": e.leaseExpiry(),
	})
}

// release drops our lease so waiters and the reconciler can take over.
func (e *Engine) release(ctx context.Context, id, owner string) {
	for i := 0; i < 3; i++ {
		rec, err := e.reuses.FindByID(ctx, id)
		if err != nil || rec == nil || rec.LeaseOwner != owner {
			return
		}
		_, err = e.reuses.UpdateIfVersion(ctx, id, rec.Version, map[string]interface{}{
			"lease_owner":      "",
			"lease_expires_at": nil,
		})
		if !errors.Is(err, repository.ErrVersionConflict) {
			if err != nil {
				logger.Warn("release lease failed", logger.RecordID(id), logger.ErrorField(err))
			}
			return
		}
	}
}

// advance writes the transition out of rec's status. Non-terminal targets
// keep the lease so the owner can go straight on to the next step.
func (e *Engine) advance(ctx context.Context, rec *model.ReuseRecord, owner string, to model.ReuseStatus, patch map[string]interface{}) error {
	if !rec.Status.CanAdvanceTo(to) {
		return fmt.Errorf("%s -> %s: %w", rec.Status, to, errConflict)
	}
	if patch == nil {
		patch = make(map[string]interface{})
	}
	patch["status"] = to
	if to.IsTerminal() {
		patch["lease_owner"] = ""
		patch["lease_expires_at"] = nil
	} else {
		patch["lease_owner"] = owner
		patch["lease_expires_at"] = e.leaseExpiry()
	}

	next, err := e.reuses.UpdateIfVersion(ctx, rec.ID, rec.Version, patch)
	if err != nil {
		return err
	}
	logger.Info("reuse status advanced",
		logger.RecordID(rec.ID),
		logger.String("from", string(rec.Status)),
		logger.String("status", string(next.Status)),
		logger.Int64("version", next.Version))
	if next.Status.IsTerminal() {
		e.cachePut(ctx, next)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, rec *model.ReuseRecord, owner string, cause error) error {
	reason := cause.Error()
	logger.Warn("reuse settlement failed", logger.RecordID(rec.ID),
		logger.String("from", string(rec.Status)), logger.ErrorField(cause))
	return e.advance(ctx, rec, owner, model.ReuseStatusFailed, map[string]interface{}{
		"failure_reason": reason,
	})
}

func (e *Engine) step(ctx context.Context, rec *model.ReuseRecord, owner string) error {
	switch rec.Status {
	case model.ReuseStatusDraft:
		return e.valuate(ctx, rec, owner)
	case model.ReuseStatusValuated:
		return e.extract(ctx, rec, owner)
	case model.ReuseStatusPersistedPending:
		return e.register(ctx, rec, owner)
	case model.ReuseStatusLedgerSubmitted:
		return e.finalize(ctx, rec, owner)
	default:
		return fmt.Errorf("record %s: unknown status %q", rec.ID, rec.Status)
	}
}

func (e *Engine) loadTrack(ctx context.Context, rec *model.ReuseRecord) (*model.Track, error) {
	track, err := e.tracks.GetByID(ctx, rec.OriginalTrackID)
	if err != nil {
		return nil, fmt.Errorf("load track %s: %w", rec.OriginalTrackID, err)
	}
	if track == nil {
		return nil, fmt.Errorf("%s: %w", rec.OriginalTrackID, ErrTrackNotFound)
	}
	return track, nil
}

// Draft -> Valuated
func (e *Engine) valuate(ctx context.Context, rec *model.ReuseRecord, owner string) error {
	track, err := e.loadTrack(ctx, rec)
	if errors.Is(err, ErrTrackNotFound) {
		return e.fail(ctx, rec, owner, err)
	}
	if err != nil {
		return err
	}

	result, err := valuation.ValuateMillis(track.BasePriceMinorUnits,
		rec.EndMillis-rec.StartMillis, valuation.SecondsToMillis(track.DurationSeconds))
	if err != nil {
		return e.fail(ctx, rec, owner, err)
	}
	if rec.PercentRequested != nil && *rec.PercentRequested != result.Percent {
		logger.Info("requested percent ignored",
			logger.RecordID(rec.ID),
			logger.Int("requested", *rec.PercentRequested),
			logger.Int("derived", result.Percent))
	}

	return e.advance(ctx, rec, owner, model.ReuseStatusValuated, map[string]interface{}{
		"percent":               result.Percent,
		"valuation_minor_units": result.ValueMinorUnits,
	})
}

// Valuated -> PersistedPending
func (e *Engine) extract(ctx context.Context, rec *model.ReuseRecord, owner string) error {
	track, err := e.loadTrack(ctx, rec)
	if errors.Is(err, ErrTrackNotFound) {
		return e.fail(ctx, rec, owner, err)
	}
	if err != nil {
		return err
	}

	src := excerpt.Source{
		ContentRef:  track.ContentRef,
		ContentType: track.ContentType,
		DurationSec: track.DurationSeconds,
	}
	var result excerpt.Result
	attempts := 0
	policy := e.opts.ExtractPolicy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("extraction failed, retrying",
			logger.RecordID(rec.ID), logger.Int("attempt", attempt),
			logger.Duration("backoff", delay), logger.ErrorField(err))
	}
	err = policy.Do(ctx, "extract snippet", func(ctx context.Context, attempt int) error {
		attempts = attempt
		r, err := e.extractor.Extract(ctx, src, rec.StartSec(), rec.EndSec())
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return e.fail(ctx, rec, owner, err)
	}

	err = e.advance(ctx, rec, owner, model.ReuseStatusPersistedPending, map[string]interface{}{
		"snippet_content_ref":  result.ContentRef,
		"snippet_content_hash": result.ContentHash,
		"snippet_duration_sec": result.ActualDurationSec,
		"snippet_content_type": result.ContentType,
		"attempts":             rec.Attempts + attempts,
	})
	if errors.Is(err, repository.ErrVersionConflict) {
		e.discardOrphan(ctx, rec.ID, result.ContentRef)
	}
	return err
}

// discardOrphan deletes a snippet blob produced by an extraction that lost
// its persist write, unless anything still references it.
func (e *Engine) discardOrphan(ctx context.Context, id, ref string) {
	if e.store == nil || ref == "" {
		return
	}
	winner, err := e.reuses.FindByID(ctx, id)
	if err != nil || winner == nil || winner.SnippetContentRef == ref {
		return
	}
	inUse, err := e.tracks.ContentInUse(ctx, ref)
	if err != nil || inUse {
		return
	}
	if err := e.store.Delete(ctx, ref); err != nil {
		logger.Warn("delete orphan snippet failed", logger.RecordID(id), logger.String("ref", ref), logger.ErrorField(err))
		return
	}
	logger.Info("orphan snippet deleted", logger.RecordID(id), logger.String("ref", ref))
}

func (e *Engine) payload(rec *model.ReuseRecord, track *model.Track) ledger.Payload {
	return ledger.Payload{
		ReuseID:               ledger.Bytes32ID(rec.ID),
		OriginalID:            ledger.Bytes32ID(track.ID),
		Title:                 track.Title,
		Creator:               track.OwnerID,
		Reuser:                rec.RequesterID,
		ReusePercent:          rec.Percent,
		ValuePaid:             rec.ValuationMinorUnits,
		OriginalFileHash:      track.ContentHash,
		SnippetHash:           rec.SnippetContentHash,
		Format:                rec.SnippetContentType,
		Genre:                 track.Genre,
		SnippetDurationMillis: valuation.SecondsToMillis(rec.SnippetDurationSec),
	}
}

// PersistedPending -> LedgerSubmitted
func (e *Engine) register(ctx context.Context, rec *model.ReuseRecord, owner string) error {
	track, err := e.loadTrack(ctx, rec)
	if errors.Is(err, ErrTrackNotFound) {
		return e.fail(ctx, rec, owner, err)
	}
	if err != nil {
		return err
	}

	payload := e.payload(rec, track)
	token := ledger.Token(rec.ID)
	var receipt ledger.Receipt
	attempts := 0
	policy := e.opts.LedgerPolicy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("ledger register failed, retrying",
			logger.RecordID(rec.ID), logger.Int("attempt", attempt),
			logger.Duration("backoff", delay), logger.ErrorField(err))
	}
	err = policy.Do(ctx, "register reuse", func(ctx context.Context, attempt int) error {
		attempts = attempt
		r, err := e.gateway.Register(ctx, token, payload)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return e.fail(ctx, rec, owner, err)
	}

	logger.Info("ledger entry registered", logger.RecordID(rec.ID),
		logger.String("entryId", receipt.EntryID), logger.String("token", token))
	return e.advance(ctx, rec, owner, model.ReuseStatusLedgerSubmitted, map[string]interface{}{
		"ledger_entry_id":  receipt.EntryID,
		"ledger_tx_handle": receipt.TxHandle,
		"attempts":         rec.Attempts + attempts,
	})
}

// LedgerSubmitted -> Finalized. The ledger entry exists, so this step never
// fails the record; store errors are retried and otherwise left to the reconciler.
func (e *Engine) finalize(ctx context.Context, rec *model.ReuseRecord, owner string) error {
	policy := e.opts.StorePolicy
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, repository.ErrNotFound)
	}
	err := policy.Do(ctx, "credit track", func(ctx context.Context, _ int) error {
		applied, err := e.tracks.ConditionalIncrement(ctx, rec.OriginalTrackID, rec.ID)
		if err != nil {
			return err
		}
		if !applied {
			logger.Debug("reuse already credited", logger.RecordID(rec.ID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("credit track %s for %s: %w", rec.OriginalTrackID, rec.ID, err)
	}
	return e.advance(ctx, rec, owner, model.ReuseStatusFinalized, map[string]interface{}{
		"failure_reason": nil,
	})
}
