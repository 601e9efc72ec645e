package domain

// TaskSnapshot is the last committed state of one tracked task. Exactly one
// row exists per task id; the row always reflects the state after the last
// successfully committed change.
type TaskSnapshot struct {
	TaskID      string  `json:"task_id"`
	Name        string  `json:"name,omitempty"`
	DueOn       *string `json:"due_on,omitempty" format:"date"`
	FirstDueOn  *string `json:"first_due_on,omitempty" format:"date"`
	DelayReason *string `json:"delay_reason,omitempty"`
	DelayCount  int     `json:"delay_count"`
	// LastFingerprint is the fingerprint of the change that wrote this row,
	// empty for baselines. Revocations and refreshes key on it so they never
	// overwrite a row a newer commit already advanced.
	LastFingerprint string `json:"last_fingerprint,omitempty"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

// TaskRecord is a freshly fetched task as the upstream reports it.
type TaskRecord struct {
	TaskID      string  `json:"task_id"`
	Name        string  `json:"name,omitempty"`
	DueOn       *string `json:"due_on,omitempty" format:"date"`
	DelayReason *string `json:"delay_reason,omitempty"`
	DelayCount  int     `json:"delay_count"`
	UpdatedBy   string  `json:"updated_by,omitempty"`
}

type ChangeType string

const (
	ChangeDueDate ChangeType = "due_date_change"
	ChangeReason  ChangeType = "delay_reason_change"
	// ChangeMerged covers a due date and reason changing in the same
	// comparison pass. Simultaneous changes must never produce two events.
	ChangeMerged ChangeType = "due_date_change+delay_reason_change"
)

// ChangeEvent is the result of comparing a snapshot against a fetch. It is
// never persisted; only its committed effects are.
type ChangeEvent struct {
	TaskID      string     `json:"task_id"`
	TaskName    string     `json:"task_name,omitempty"`
	Type        ChangeType `json:"change_type"`
	OldDueOn    *string    `json:"old_due_on,omitempty"`
	NewDueOn    *string    `json:"new_due_on,omitempty"`
	OldReason   *string    `json:"old_reason,omitempty"`
	NewReason   *string    `json:"new_reason,omitempty"`
	IsDelay     bool       `json:"is_delay"`
	Fingerprint string     `json:"fingerprint"`
}

// DelayRecord is the unit appended to the external log. Immutable once sent.
type DelayRecord struct {
	RequestID     string `json:"request_id"`
	TaskID        string `json:"task_id"`
	TaskName      string `json:"task_name,omitempty"`
	ChangeType    string `json:"change_type"`
	IsDelay       bool   `json:"is_delay"`
	DelayCount    int    `json:"delay_count"`
	Reason        string `json:"reason"`
	ReasonAutoSet bool   `json:"reason_auto_set"`
	FirstDueOn    string `json:"first_due_on,omitempty"`
	LatestDueOn   string `json:"latest_due_on,omitempty"`
	DelayDays     *int   `json:"delay_days,omitempty"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
	UpdatedBy     string `json:"updated_by,omitempty"`
}

// CommitClaim marks a fingerprint as committed.
type CommitClaim struct {
	Fingerprint string `json:"fingerprint"`
	TaskID      string `json:"task_id"`
	ClaimedAt   string `json:"claimed_at" format:"date-time"`
}

// Decision is the outcome of the delay policy for one ChangeEvent.
type Decision struct {
	CounterDelta int
	FinalReason  string
	AutoFilled   bool
}

// FieldUpdate is a partial write-back of tracked fields to the upstream.
// Nil members are left untouched.
type FieldUpdate struct {
	DelayCount  *int
	DelayReason *string
}

// Modifier is best-effort metadata about who made a change and when. The
// upstream does not guarantee it; "Unknown" is an accepted value.
type Modifier struct {
	UpdatedAt string
	UpdatedBy string
}

// Event is one row of the local audit log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	Payload string `json:"payload_json"`
}
