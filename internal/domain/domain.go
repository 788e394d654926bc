package domain

// Submission states.
const (
	StateDraft     = "draft"
	StatePending   = "pending"
	StateValidated = "validated"
	StateObserved  = "observed"
	StateRejected  = "rejected"
)

// Review decisions a reviewer may apply to a pending submission.
const (
	DecisionValidated = "validated"
	DecisionObserved  = "observed"
	DecisionRejected  = "rejected"
)

type Ministry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CommitmentLine struct {
	ID         string `json:"id"`
	MinistryID string `json:"ministry_id"`
	Title      string `json:"title"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Indicator struct {
	ID               string `json:"id"`
	CommitmentLineID string `json:"commitment_line_id"`
	Name             string `json:"name"`
	Unit             string `json:"unit,omitempty"`
	Periodicity      string `json:"periodicity" enum:"annual,semiannual,quarterly,monthly"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

// Submission is one reported indicator value ("carga") for a ministry and
// period, carrying its lifecycle state. At most one submission per
// (indicator_id, period, ministry_id) may be pending or validated at a time;
// the partial unique index ux_submissions_live enforces that in the store.
type Submission struct {
	ID               string   `json:"id"`
	MinistryID       string   `json:"ministry_id"`
	CommitmentLineID string   `json:"commitment_line_id"`
	IndicatorID      string   `json:"indicator_id"`
	Period           string   `json:"period"`
	Value            float64  `json:"value"`
	Unit             string   `json:"unit,omitempty"`
	Target           *float64 `json:"target,omitempty"`
	Source           string   `json:"source,omitempty"`
	Responsible      string   `json:"responsible,omitempty"`
	ResponsibleEmail string   `json:"responsible_email,omitempty"`
	Notes            string   `json:"notes,omitempty"`
	ReviewerNotes    string   `json:"reviewer_notes,omitempty"`
	State            string   `json:"state" enum:"draft,pending,validated,observed,rejected"`
	Published        bool     `json:"published"`
	CreatedBy        string   `json:"created_by"`
	UpdatedBy        string   `json:"updated_by,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// TripleKey identifies "the same fact" across submissions.
func (s Submission) TripleKey() string {
	return s.IndicatorID + "|" + s.Period + "|" + s.MinistryID
}

// Event is one immutable audit record for a lifecycle transition.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Action     string `json:"action"`
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Before     string `json:"before_json,omitempty"`
	After      string `json:"after_json,omitempty"`
}

// SyncStatus records the outcome of the last replication attempt for a
// submission. Local lifecycle state is the source of truth; a failed attempt
// leaves published=true with RowPresent=false until sync is re-invoked.
type SyncStatus struct {
	SubmissionID  string `json:"submission_id"`
	LastAttemptAt string `json:"last_attempt_at,omitempty" format:"date-time"`
	LastResult    string `json:"last_result,omitempty" enum:"ok,error"`
	LastError     string `json:"last_error,omitempty"`
	RowPresent    bool   `json:"row_present"`
	Attempts      int    `json:"attempts"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	Reviewer  bool   `json:"reviewer"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Actor is the authenticated principal an operation runs as. Role and
// ministry scope are established by the auth layer before reaching the
// engine.
type Actor struct {
	ID         string
	Reviewer   bool
	MinistryID string
}
