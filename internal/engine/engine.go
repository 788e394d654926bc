package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reportline/internal/config"
	"reportline/internal/domain"
	"reportline/internal/events"
	"reportline/internal/repo"
)

// Publisher receives fire-and-forget replication jobs after a publish flag
// change commits. The engine never waits on it.
type Publisher interface {
	Enqueue(sub domain.Submission, removal bool)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Sync   Publisher
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SubmissionCreateOptions are parameters for creating a draft submission.
type SubmissionCreateOptions struct {
	ID               string
	MinistryID       string
	CommitmentLineID string
	IndicatorID      string
	Period           string
	Value            float64
	Unit             string
	Target           *float64
	Source           string
	Responsible      string
	ResponsibleEmail string
	Notes            string
}

// Create inserts a new submission in draft. Drafts do not compete for the
// triple, so no uniqueness check happens here.
func (e Engine) Create(ctx context.Context, opts SubmissionCreateOptions, actor domain.Actor) (domain.Submission, error) {
	if opts.MinistryID == "" || opts.CommitmentLineID == "" || opts.IndicatorID == "" {
		return domain.Submission{}, errors.New("ministry, commitment line and indicator are required")
	}
	if opts.Period == "" {
		return domain.Submission{}, errors.New("period is required")
	}
	line, err := e.Repo.GetCommitmentLine(ctx, opts.CommitmentLineID)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("commitment line %s: %w", opts.CommitmentLineID, err)
	}
	if line.MinistryID != opts.MinistryID {
		return domain.Submission{}, fmt.Errorf("commitment line %s not owned by ministry %s", line.ID, opts.MinistryID)
	}
	ind, err := e.Repo.GetIndicator(ctx, opts.IndicatorID)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("indicator %s: %w", opts.IndicatorID, err)
	}
	if ind.CommitmentLineID != line.ID {
		return domain.Submission{}, fmt.Errorf("indicator %s not in commitment line %s", ind.ID, line.ID)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	unit := opts.Unit
	if unit == "" {
		unit = ind.Unit
	}
	s := domain.Submission{
		ID:               id,
		MinistryID:       opts.MinistryID,
		CommitmentLineID: opts.CommitmentLineID,
		IndicatorID:      opts.IndicatorID,
		Period:           opts.Period,
		Value:            opts.Value,
		Unit:             unit,
		Target:           opts.Target,
		Source:           opts.Source,
		Responsible:      opts.Responsible,
		ResponsibleEmail: opts.ResponsibleEmail,
		Notes:            opts.Notes,
		State:            domain.StateDraft,
		CreatedBy:        actor.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSubmission(ctx, tx, s); err != nil {
		return domain.Submission{}, err
	}
	if err := e.Events.Record(ctx, tx, actor.ID, "submission.created", "submission", s.ID, nil, s); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	return s, nil
}

// Submit moves a draft or observed submission to pending, claiming the
// triple. The claim is the UPDATE itself: the partial unique index rejects it
// atomically when another pending/validated submission holds the triple, so
// concurrent submits need no pre-check and exactly one wins.
func (e Engine) Submit(ctx context.Context, id string, actor domain.Actor) (domain.Submission, error) {
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return s, err
	}
	if s.CreatedBy != actor.ID && !actor.Reviewer {
		return s, fmt.Errorf("%w: only the owner may submit", ErrForbidden)
	}
	if s.State != domain.StateDraft && s.State != domain.StateObserved {
		return s, fmt.Errorf("%w: submit requires draft or observed, not %s", ErrInvalidTransition, s.State)
	}
	before := s
	resubmitted := s.State == domain.StateObserved
	s.State = domain.StatePending
	if resubmitted {
		s.ReviewerNotes = e.notesAfterResubmit(ctx, s)
	}
	s.UpdatedBy = actor.ID
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return before, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateSubmission(ctx, tx, s); err != nil {
		return before, err
	}
	if err := e.Events.Record(ctx, tx, actor.ID, "submission.submitted", "submission", s.ID, before, s); err != nil {
		return before, err
	}
	if err := tx.Commit(); err != nil {
		return before, err
	}
	return s, nil
}

// notesAfterResubmit applies the configurable reviewer-note policy. Under
// "changed", the previous notes survive only when the payload is identical to
// what the reviewer saw, taken from the last review's audit snapshot.
func (e Engine) notesAfterResubmit(ctx context.Context, s domain.Submission) string {
	mode := "changed"
	if e.Config != nil {
		mode = e.Config.ClearNotesMode()
	}
	switch mode {
	case "never":
		return s.ReviewerNotes
	case "always":
		return ""
	}
	reviewed, ok := e.lastReviewedSnapshot(ctx, s.ID)
	if !ok {
		return ""
	}
	if payloadDiffers(reviewed, s) {
		return ""
	}
	return s.ReviewerNotes
}

func (e Engine) lastReviewedSnapshot(ctx context.Context, submissionID string) (domain.Submission, bool) {
	evts, err := e.Repo.ListEvents(ctx, 0, submissionID)
	if err != nil {
		return domain.Submission{}, false
	}
	for _, evt := range evts {
		if evt.Action != "submission.reviewed" || evt.After == "" {
			continue
		}
		var snap domain.Submission
		if err := json.Unmarshal([]byte(evt.After), &snap); err != nil {
			return domain.Submission{}, false
		}
		return snap, true
	}
	return domain.Submission{}, false
}

func payloadDiffers(a, b domain.Submission) bool {
	if a.Value != b.Value || a.Period != b.Period || a.Unit != b.Unit {
		return true
	}
	if (a.Target == nil) != (b.Target == nil) {
		return true
	}
	if a.Target != nil && b.Target != nil && *a.Target != *b.Target {
		return true
	}
	return a.Source != b.Source || a.Responsible != b.Responsible ||
		a.ResponsibleEmail != b.ResponsibleEmail || a.Notes != b.Notes
}

// Review applies a reviewer decision to a pending submission.
func (e Engine) Review(ctx context.Context, id string, actor domain.Actor, decision, notes string) (domain.Submission, error) {
	if !actor.Reviewer {
		return domain.Submission{}, fmt.Errorf("%w: review requires reviewer role", ErrForbidden)
	}
	switch decision {
	case domain.DecisionValidated, domain.DecisionObserved, domain.DecisionRejected:
	default:
		return domain.Submission{}, fmt.Errorf("unknown review decision %s", decision)
	}
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return s, err
	}
	if s.State != domain.StatePending {
		return s, fmt.Errorf("%w: review requires pending, not %s", ErrInvalidTransition, s.State)
	}
	before := s
	s.State = decision
	if notes != "" {
		s.ReviewerNotes = notes
	}
	s.UpdatedBy = actor.ID
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return before, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateSubmission(ctx, tx, s); err != nil {
		return before, err
	}
	if err := e.Events.Record(ctx, tx, actor.ID, "submission.reviewed", "submission", s.ID, before, s); err != nil {
		return before, err
	}
	if err := tx.Commit(); err != nil {
		return before, err
	}
	return s, nil
}

// SubmissionEditOptions patches payload fields. Nil pointers leave the field
// untouched.
type SubmissionEditOptions struct {
	Period           *string
	Value            *float64
	Unit             *string
	Target           *float64
	ClearTarget      bool
	Source           *string
	Responsible      *string
	ResponsibleEmail *string
	Notes            *string
}

// Edit patches a draft or observed submission owned by the actor. State is
// never changed here.
func (e Engine) Edit(ctx context.Context, id string, actor domain.Actor, patch SubmissionEditOptions) (domain.Submission, error) {
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return s, err
	}
	if s.CreatedBy != actor.ID {
		return s, fmt.Errorf("%w: only the owner may edit", ErrForbidden)
	}
	if s.State != domain.StateDraft && s.State != domain.StateObserved {
		return s, fmt.Errorf("%w: edit requires draft or observed, not %s", ErrInvalidTransition, s.State)
	}
	before := s
	if patch.Period != nil {
		s.Period = *patch.Period
	}
	if patch.Value != nil {
		s.Value = *patch.Value
	}
	if patch.Unit != nil {
		s.Unit = *patch.Unit
	}
	if patch.ClearTarget {
		s.Target = nil
	} else if patch.Target != nil {
		v := *patch.Target
		s.Target = &v
	}
	if patch.Source != nil {
		s.Source = *patch.Source
	}
	if patch.Responsible != nil {
		s.Responsible = *patch.Responsible
	}
	if patch.ResponsibleEmail != nil {
		s.ResponsibleEmail = *patch.ResponsibleEmail
	}
	if patch.Notes != nil {
		s.Notes = *patch.Notes
	}
	s.UpdatedBy = actor.ID
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return before, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateSubmission(ctx, tx, s); err != nil {
		return before, err
	}
	if err := e.Events.Record(ctx, tx, actor.ID, "submission.updated", "submission", s.ID, before, s); err != nil {
		return before, err
	}
	if err := tx.Commit(); err != nil {
		return before, err
	}
	return s, nil
}

// Delete removes a draft (owner) or pending (reviewer) submission. The audit
// event keeps a tombstone snapshot, since the row itself is gone afterwards.
func (e Engine) Delete(ctx context.Context, id string, actor domain.Actor) error {
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	switch s.State {
	case domain.StateDraft:
		if s.CreatedBy != actor.ID {
			return fmt.Errorf("%w: only the owner may delete a draft", ErrForbidden)
		}
	case domain.StatePending:
		if !actor.Reviewer {
			return fmt.Errorf("%w: deleting a pending submission requires reviewer role", ErrForbidden)
		}
	default:
		return fmt.Errorf("%w: delete requires draft or pending, not %s", ErrInvalidTransition, s.State)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteSubmission(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Record(ctx, tx, actor.ID, "submission.deleted", "submission", id, s, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SetPublished flips external visibility of a validated submission. The
// lifecycle transition commits first; replication runs out of band through
// the sync queue and its outcome is reported by the status query, never here.
func (e Engine) SetPublished(ctx context.Context, id string, actor domain.Actor, published bool) (domain.Submission, error) {
	if !actor.Reviewer {
		return domain.Submission{}, fmt.Errorf("%w: publishing requires reviewer role", ErrForbidden)
	}
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return s, err
	}
	if s.State != domain.StateValidated {
		return s, fmt.Errorf("%w: publish requires validated, not %s", ErrInvalidTransition, s.State)
	}
	if s.Published == published {
		return s, nil
	}
	before := s
	s.Published = published
	s.UpdatedBy = actor.ID
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return before, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateSubmission(ctx, tx, s); err != nil {
		return before, err
	}
	action := "submission.published"
	if !published {
		action = "submission.unpublished"
	}
	if err := e.Events.Record(ctx, tx, actor.ID, action, "submission", s.ID, before, s); err != nil {
		return before, err
	}
	if err := tx.Commit(); err != nil {
		return before, err
	}
	if e.Sync != nil {
		e.Sync.Enqueue(s, !published)
	}
	return s, nil
}
