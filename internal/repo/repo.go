package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"delaycatcher/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrClaimed is returned when a fingerprint was already committed.
var ErrClaimed = errors.New("fingerprint already claimed")

func (r Repo) GetSnapshot(ctx context.Context, taskID string) (domain.TaskSnapshot, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT task_id,COALESCE(name,''),due_on,first_due_on,delay_reason,delay_count,COALESCE(last_fingerprint,''),updated_at FROM snapshots WHERE task_id=?`, taskID)
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (domain.TaskSnapshot, error) {
	var s domain.TaskSnapshot
	var dueOn, firstDueOn, reason sql.NullString
	err := row.Scan(&s.TaskID, &s.Name, &dueOn, &firstDueOn, &reason, &s.DelayCount, &s.LastFingerprint, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.DueOn = optional(dueOn)
	s.FirstDueOn = optional(firstDueOn)
	s.DelayReason = optional(reason)
	return s, nil
}

func (r Repo) UpsertSnapshot(ctx context.Context, s domain.TaskSnapshot) error {
	return upsertSnapshot(ctx, r.DB, nil, s)
}

func (r Repo) UpsertSnapshotTx(ctx context.Context, tx *sql.Tx, s domain.TaskSnapshot) error {
	return upsertSnapshot(ctx, nil, tx, s)
}

func upsertSnapshot(ctx context.Context, db *sql.DB, tx *sql.Tx, s domain.TaskSnapshot) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO snapshots(task_id,name,due_on,first_due_on,delay_reason,delay_count,last_fingerprint,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET name=excluded.name, due_on=excluded.due_on, first_due_on=excluded.first_due_on,
delay_reason=excluded.delay_reason, delay_count=excluded.delay_count, last_fingerprint=excluded.last_fingerprint, updated_at=excluded.updated_at`,
		s.TaskID, nullable(s.Name), nullablePtr(s.DueOn), nullablePtr(s.FirstDueOn), nullablePtr(s.DelayReason), s.DelayCount, nullable(s.LastFingerprint), s.UpdatedAt)
	return err
}

// RestoreSnapshotTx rolls the row back to prior, but only while it still
// carries the fingerprint of the commit being revoked. Returns false when a
// newer commit already advanced the row, in which case nothing is touched.
func (r Repo) RestoreSnapshotTx(ctx context.Context, tx *sql.Tx, prior domain.TaskSnapshot, revokedFingerprint string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE snapshots SET name=?, due_on=?, first_due_on=?, delay_reason=?,
delay_count=?, last_fingerprint=?, updated_at=? WHERE task_id=? AND COALESCE(last_fingerprint,'')=?`,
		nullable(prior.Name), nullablePtr(prior.DueOn), nullablePtr(prior.FirstDueOn), nullablePtr(prior.DelayReason),
		prior.DelayCount, nullable(prior.LastFingerprint), prior.UpdatedAt, prior.TaskID, revokedFingerprint)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RefreshSnapshot updates untracked metadata without touching the committed
// fields, guarded on the fingerprint observed at read time. A concurrent
// commit leaves the condition unsatisfied and the refresh becomes a no-op.
func (r Repo) RefreshSnapshot(ctx context.Context, s domain.TaskSnapshot) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE snapshots SET name=?, first_due_on=COALESCE(first_due_on, due_on), updated_at=?
WHERE task_id=? AND COALESCE(last_fingerprint,'')=?`,
		nullable(s.Name), s.UpdatedAt, s.TaskID, s.LastFingerprint)
	return err
}

func (r Repo) ListSnapshots(ctx context.Context) ([]domain.TaskSnapshot, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT task_id,COALESCE(name,''),due_on,first_due_on,delay_reason,delay_count,updated_at FROM snapshots ORDER BY task_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskSnapshot
	for rows.Next() {
		var s domain.TaskSnapshot
		var dueOn, firstDueOn, reason sql.NullString
		if err := rows.Scan(&s.TaskID, &s.Name, &dueOn, &firstDueOn, &reason, &s.DelayCount, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.DueOn = optional(dueOn)
		s.FirstDueOn = optional(firstDueOn)
		s.DelayReason = optional(reason)
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n)
	return n, err
}

// InsertClaimTx inserts a claim for the fingerprint. ErrClaimed means another
// commit already handled this transition; callers skip silently.
func (r Repo) InsertClaimTx(ctx context.Context, tx *sql.Tx, c domain.CommitClaim) error {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO claims(fingerprint,task_id,claimed_at) VALUES (?,?,?)`,
		c.Fingerprint, c.TaskID, c.ClaimedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimed
	}
	return nil
}

func (r Repo) GetClaim(ctx context.Context, fingerprint string) (domain.CommitClaim, error) {
	var c domain.CommitClaim
	err := r.DB.QueryRowContext(ctx, `SELECT fingerprint,task_id,claimed_at FROM claims WHERE fingerprint=?`, fingerprint).
		Scan(&c.Fingerprint, &c.TaskID, &c.ClaimedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) DeleteClaimTx(ctx context.Context, tx *sql.Tx, fingerprint string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE fingerprint=?`, fingerprint)
	return err
}

func (r Repo) CountClaims(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims`).Scan(&n)
	return n, err
}

func (r Repo) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT v FROM kv WHERE k=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (r Repo) SetKV(ctx context.Context, key, value string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO kv(k,v) VALUES (?,?)
ON CONFLICT(k) DO UPDATE SET v=excluded.v`, key, value)
	return err
}

func (r Repo) DeleteKV(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM kv WHERE k=?`, key)
	return err
}

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, taskID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	query := `SELECT id,ts,type,COALESCE(task_id,''),payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func optional(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
