package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"delaycatcher/internal/config"
	"delaycatcher/internal/diff"
	"delaycatcher/internal/domain"
	"delaycatcher/internal/events"
	"delaycatcher/internal/policy"
	"delaycatcher/internal/repo"
)

// Upstream is the task API surface the engine consumes.
type Upstream interface {
	ListTasks(ctx context.Context, project string) ([]domain.TaskRecord, error)
	GetTask(ctx context.Context, taskID string) (domain.TaskRecord, error)
	SetFields(ctx context.Context, taskID string, update domain.FieldUpdate) error
	TaskModifier(ctx context.Context, taskID string, change domain.ChangeType) domain.Modifier
}

// Sink receives finalized delay records.
type Sink interface {
	Append(ctx context.Context, rec domain.DelayRecord) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Upstream Upstream
	Sink     Sink
	Policy   policy.Policy
	Now      func() time.Time

	// mu serializes claim-and-commit across concurrent passes. Network
	// calls never run under it.
	mu sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, up Upstream, snk Sink) *Engine {
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Upstream: up,
		Sink:     snk,
		Policy:   policy.New(cfg.Policy.AutofillReason),
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	PassID    string `json:"pass_id"`
	Fetched   int    `json:"fetched"`
	Baselined int    `json:"baselined"`
	Committed int    `json:"committed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// RunPass fetches every task of the configured project and reconciles each
// one. A fetch failure fails the pass; per-task failures are logged and the
// pass continues, keeping whatever was already committed.
func (e *Engine) RunPass(ctx context.Context) (PassResult, error) {
	res := PassResult{PassID: uuid.NewString()}
	tasks, err := e.Upstream.ListTasks(ctx, e.Config.Upstream.Project)
	if err != nil {
		return res, fmt.Errorf("list tasks: %w", err)
	}
	res.Fetched = len(tasks)
	for _, rec := range tasks {
		outcome, err := e.ProcessTask(ctx, rec)
		if err != nil {
			res.Failed++
			log.Printf("task %s: %v", rec.TaskID, err)
			continue
		}
		switch outcome {
		case OutcomeBaselined:
			res.Baselined++
		case OutcomeCommitted:
			res.Committed++
		default:
			res.Skipped++
		}
	}
	if err := e.appendEvent(ctx, "pass.completed", "", events.EventPayload{
		"pass_id":   res.PassID,
		"fetched":   res.Fetched,
		"baselined": res.Baselined,
		"committed": res.Committed,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	}); err != nil {
		log.Printf("record pass: %v", err)
	}
	return res, nil
}

type Outcome int

const (
	// OutcomeUnchanged covers both "nothing dirty" and "already claimed".
	OutcomeUnchanged Outcome = iota
	OutcomeBaselined
	OutcomeCommitted
)

// ProcessTask reconciles one fetched task against its snapshot: classify the
// transition, decide the mutations, claim the fingerprint, persist, then send
// to the sink and write tracked fields back upstream. The diff and decision
// run before the critical section; only claim+persist happen under the lock.
func (e *Engine) ProcessTask(ctx context.Context, rec domain.TaskRecord) (Outcome, error) {
	snap, err := e.Repo.GetSnapshot(ctx, rec.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return e.baseline(ctx, rec)
	}
	if err != nil {
		return OutcomeUnchanged, err
	}

	ev := diff.Compare(&snap, rec)
	if ev == nil {
		return OutcomeUnchanged, e.refresh(ctx, snap, rec)
	}

	decision := e.Policy.Decide(*ev, snap)
	newCount := snap.DelayCount + decision.CounterDelta
	next := nextSnapshot(snap, rec, decision, newCount, *ev, e.now())

	// Best-effort metadata; resolved before the critical section because it
	// is a network call.
	modifier := e.Upstream.TaskModifier(ctx, rec.TaskID, ev.Type)
	record := buildRecord(*ev, decision, next, modifier)

	committed, err := e.claimAndPersist(ctx, *ev, decision, next)
	if err != nil {
		return OutcomeUnchanged, err
	}
	if !committed {
		return OutcomeUnchanged, nil
	}

	if err := e.send(ctx, *ev, decision, record, newCount); err != nil {
		if revokeErr := e.revoke(ctx, ev.Fingerprint, snap); revokeErr != nil {
			return OutcomeUnchanged, fmt.Errorf("%w (revoke failed: %v)", err, revokeErr)
		}
		return OutcomeUnchanged, err
	}
	return OutcomeCommitted, nil
}

// baseline persists the first sighting of a task. Never an event: history
// cannot be reconstructed, so an untracked task is defined as not yet delayed.
func (e *Engine) baseline(ctx context.Context, rec domain.TaskRecord) (Outcome, error) {
	now := e.now().UTC().Format(time.RFC3339)
	snap := domain.TaskSnapshot{
		TaskID:      rec.TaskID,
		Name:        rec.Name,
		DueOn:       rec.DueOn,
		FirstDueOn:  rec.DueOn,
		DelayReason: rec.DelayReason,
		DelayCount:  rec.DelayCount,
		UpdatedAt:   now,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return OutcomeUnchanged, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertSnapshotTx(ctx, tx, snap); err != nil {
		return OutcomeUnchanged, err
	}
	if err := e.Events.Append(ctx, tx, "task.baseline", rec.TaskID, events.EventPayload{
		"name":   rec.Name,
		"due_on": strOrEmpty(rec.DueOn),
	}); err != nil {
		return OutcomeUnchanged, err
	}
	if err := tx.Commit(); err != nil {
		return OutcomeUnchanged, err
	}
	return OutcomeBaselined, nil
}

// refresh updates untracked metadata when neither field of interest changed.
// The update is guarded on the fingerprint read with the snapshot: if a
// concurrent commit advanced the row in the meantime, the refresh lands on
// nothing instead of overwriting committed fields with stale values.
func (e *Engine) refresh(ctx context.Context, snap domain.TaskSnapshot, rec domain.TaskRecord) error {
	snap.Name = rec.Name
	snap.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	return e.Repo.RefreshSnapshot(ctx, snap)
}

// claimAndPersist is the single critical section: atomically claim the
// fingerprint and advance the snapshot. Returns false when the transition was
// already handled by another pass.
func (e *Engine) claimAndPersist(ctx context.Context, ev domain.ChangeEvent, decision domain.Decision, next domain.TaskSnapshot) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	claim := domain.CommitClaim{
		Fingerprint: ev.Fingerprint,
		TaskID:      ev.TaskID,
		ClaimedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertClaimTx(ctx, tx, claim); err != nil {
		if errors.Is(err, repo.ErrClaimed) {
			return false, nil
		}
		return false, err
	}
	if err := e.Repo.UpsertSnapshotTx(ctx, tx, next); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "change.committed", ev.TaskID, events.EventPayload{
		"fingerprint": ev.Fingerprint,
		"change_type": string(ev.Type),
		"is_delay":    ev.IsDelay,
		"old_due_on":  strOrEmpty(ev.OldDueOn),
		"new_due_on":  strOrEmpty(ev.NewDueOn),
		"reason":      decision.FinalReason,
		"auto_filled": decision.AutoFilled,
		"delay_count": next.DelayCount,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// send delivers the committed record: sink append first, then the upstream
// write-back of counter and auto-filled reason. Both are idempotent on retry
// (the sink dedups on the fingerprint request id, the write-back is a plain
// set), so any failure simply revokes the claim for a later pass.
func (e *Engine) send(ctx context.Context, ev domain.ChangeEvent, decision domain.Decision, record domain.DelayRecord, newCount int) error {
	if err := e.Sink.Append(ctx, record); err != nil {
		return fmt.Errorf("sink append: %w", err)
	}
	var update domain.FieldUpdate
	if decision.CounterDelta > 0 {
		update.DelayCount = &newCount
	}
	if decision.AutoFilled {
		reason := decision.FinalReason
		update.DelayReason = &reason
	}
	if update.DelayCount == nil && update.DelayReason == nil {
		return nil
	}
	if err := e.Upstream.SetFields(ctx, ev.TaskID, update); err != nil {
		return fmt.Errorf("write back fields: %w", err)
	}
	return nil
}

// revoke undoes a committed claim after a failed send so a later pass can
// retry the transition without double-incrementing. The snapshot is only
// rolled back while it still carries this commit's fingerprint; if another
// pass committed a newer transition in between, that state stays and only
// the failed claim is released.
func (e *Engine) revoke(ctx context.Context, fingerprint string, prior domain.TaskSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteClaimTx(ctx, tx, fingerprint); err != nil {
		return err
	}
	restored, err := e.Repo.RestoreSnapshotTx(ctx, tx, prior, fingerprint)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "commit.revoked", prior.TaskID, events.EventPayload{
		"fingerprint": fingerprint,
		"restored":    restored,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) appendEvent(ctx context.Context, evtType, taskID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, taskID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nextSnapshot(snap domain.TaskSnapshot, rec domain.TaskRecord, decision domain.Decision, newCount int, ev domain.ChangeEvent, now time.Time) domain.TaskSnapshot {
	next := domain.TaskSnapshot{
		TaskID:          snap.TaskID,
		Name:            rec.Name,
		DueOn:           rec.DueOn,
		FirstDueOn:      snap.FirstDueOn,
		DelayCount:      newCount,
		LastFingerprint: ev.Fingerprint,
		UpdatedAt:       now.UTC().Format(time.RFC3339),
	}
	if next.FirstDueOn == nil {
		next.FirstDueOn = snap.DueOn
	}
	if decision.FinalReason != "" {
		reason := decision.FinalReason
		next.DelayReason = &reason
	}
	return next
}

func buildRecord(ev domain.ChangeEvent, decision domain.Decision, next domain.TaskSnapshot, modifier domain.Modifier) domain.DelayRecord {
	rec := domain.DelayRecord{
		RequestID:     ev.Fingerprint,
		TaskID:        ev.TaskID,
		TaskName:      ev.TaskName,
		ChangeType:    string(ev.Type),
		IsDelay:       ev.IsDelay,
		DelayCount:    next.DelayCount,
		Reason:        decision.FinalReason,
		ReasonAutoSet: decision.AutoFilled,
		FirstDueOn:    strOrEmpty(next.FirstDueOn),
		LatestDueOn:   strOrEmpty(ev.NewDueOn),
		UpdatedAt:     modifier.UpdatedAt,
		UpdatedBy:     modifier.UpdatedBy,
	}
	if days, ok := delayDays(next.FirstDueOn, ev.NewDueOn); ok {
		rec.DelayDays = &days
	}
	return rec
}

func delayDays(first, latest *string) (int, bool) {
	if first == nil || latest == nil {
		return 0, false
	}
	a, err := time.Parse(time.DateOnly, *first)
	if err != nil {
		return 0, false
	}
	b, err := time.Parse(time.DateOnly, *latest)
	if err != nil {
		return 0, false
	}
	return int(b.Sub(a).Hours() / 24), true
}

func strOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
