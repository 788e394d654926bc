package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"reportline/internal/domain"
	"reportline/internal/repo"
	"reportline/internal/sheets"
)

// ErrSyncFailure wraps external store failures. The local lifecycle state is
// never rolled back on sync failure; the divergence shows up in the status
// query and is remediated by re-invoking sync for the same submission.
var ErrSyncFailure = errors.New("sync failed")

const defaultWorkers = 4

type job struct {
	sub     domain.Submission
	removal bool
}

// Syncer replicates validated+published submissions into the external
// reporting store with a search-then-upsert protocol keyed by the
// (indicator, period, ministry) triple.
type Syncer struct {
	Store   sheets.Store
	Router  *sheets.Router
	Repo    repo.Repo
	Logger  *log.Logger
	Workers int
	Now     func() time.Time

	locks keyedLocks
	jobs  chan job
}

func New(store sheets.Store, router *sheets.Router, r repo.Repo) *Syncer {
	return &Syncer{
		Store:   store,
		Router:  router,
		Repo:    r,
		Workers: defaultWorkers,
		Now:     time.Now,
		jobs:    make(chan job, 256),
	}
}

func (s *Syncer) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Start launches the background workers consuming enqueued jobs. They stop
// when ctx is canceled.
func (s *Syncer) Start(ctx context.Context) {
	workers := s.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	for i := 0; i < workers; i++ {
		go s.run(ctx)
	}
}

func (s *Syncer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			var err error
			if j.removal {
				err = s.RemoveRow(ctx, j.sub)
			} else {
				err = s.PublishRow(ctx, j.sub)
			}
			if err != nil {
				s.logger().Printf("sync: submission %s: %v", j.sub.ID, err)
			}
		}
	}
}

// Enqueue schedules replication for a submission. It never blocks the
// caller: the lifecycle transition has already committed by the time this
// runs, and the outcome is retrievable via Status.
func (s *Syncer) Enqueue(sub domain.Submission, removal bool) {
	j := job{sub: sub, removal: removal}
	select {
	case s.jobs <- j:
	default:
		go func() { s.jobs <- j }()
	}
}

// PublishRow ensures the external table holds exactly one row for the
// submission's triple, reflecting its current values. Idempotent: re-running
// replaces the row in place rather than appending a duplicate.
func (s *Syncer) PublishRow(ctx context.Context, sub domain.Submission) error {
	unlock := s.locks.lock(sub.TripleKey())
	defer unlock()

	err := s.upsert(ctx, sub)
	s.record(ctx, sub.ID, err, err == nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailure, err)
	}
	return nil
}

// RemoveRow blanks the triple's row after an unpublish. The store offers no
// row delete, so the row is overwritten with empty cells; a later republish
// reuses it.
func (s *Syncer) RemoveRow(ctx context.Context, sub domain.Submission) error {
	unlock := s.locks.lock(sub.TripleKey())
	defer unlock()

	err := s.blank(ctx, sub)
	s.record(ctx, sub.ID, err, false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailure, err)
	}
	return nil
}

func (s *Syncer) upsert(ctx context.Context, sub domain.Submission) error {
	table, err := s.resolveTable(ctx, sub)
	if err != nil {
		return err
	}
	rows, err := s.Store.ReadRows(ctx, table)
	if err != nil {
		return err
	}
	cells := s.rowFor(sub)
	if idx, ok := findTriple(rows, sub); ok {
		return s.Store.WriteRow(ctx, table, idx, cells)
	}
	return s.Store.AppendRow(ctx, table, cells)
}

func (s *Syncer) blank(ctx context.Context, sub domain.Submission) error {
	table, err := s.resolveTable(ctx, sub)
	if err != nil {
		return err
	}
	rows, err := s.Store.ReadRows(ctx, table)
	if err != nil {
		return err
	}
	idx, ok := findTriple(rows, sub)
	if !ok {
		return nil
	}
	return s.Store.WriteRow(ctx, table, idx, make([]string, len(sheets.Header)))
}

func (s *Syncer) resolveTable(ctx context.Context, sub domain.Submission) (string, error) {
	ministry, err := s.Repo.GetMinistry(ctx, sub.MinistryID)
	if err != nil {
		return "", fmt.Errorf("ministry %s: %w", sub.MinistryID, err)
	}
	return s.Router.Resolve(ctx, ministry)
}

// findTriple scans the full key range for the submission's triple. Row 0 is
// the header.
func findTriple(rows [][]string, sub domain.Submission) (int, bool) {
	for i := 1; i < len(rows); i++ {
		row := rows[i]
		if len(row) < 3 {
			continue
		}
		if row[0] == sub.IndicatorID && row[1] == sub.Period && row[2] == sub.MinistryID {
			return i, true
		}
	}
	return 0, false
}

// rowFor serializes the submission in Header column order.
func (s *Syncer) rowFor(sub domain.Submission) []string {
	return []string{
		sub.IndicatorID,
		sub.Period,
		sub.MinistryID,
		formatFloat(sub.Value),
		sub.Unit,
		formatTarget(sub.Target),
		PercentOfTarget(sub.Value, sub.Target),
		sub.Source,
		sub.Responsible,
		sub.UpdatedAt,
	}
}

// PercentOfTarget derives the externally reported progress field:
// round(value/target*100, 2). Absent or zero target yields an empty field,
// not zero and not an error.
func PercentOfTarget(value float64, target *float64) string {
	if target == nil || *target == 0 {
		return ""
	}
	pct := math.Round(value / *target * 100 * 100) / 100
	return strconv.FormatFloat(pct, 'f', 2, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTarget(t *float64) string {
	if t == nil {
		return ""
	}
	return formatFloat(*t)
}

func (s *Syncer) record(ctx context.Context, submissionID string, opErr error, rowPresent bool) {
	st := domain.SyncStatus{
		SubmissionID:  submissionID,
		LastAttemptAt: s.now().UTC().Format(time.RFC3339),
		LastResult:    "ok",
		RowPresent:    rowPresent,
	}
	if opErr != nil {
		st.LastResult = "error"
		st.LastError = opErr.Error()
		// keep the previous row_present value on failure: an earlier
		// successful sync may still be live externally
		if prev, err := s.Repo.GetSyncStatus(ctx, submissionID); err == nil {
			st.RowPresent = prev.RowPresent
		}
	}
	if err := s.Repo.RecordSyncAttempt(ctx, st); err != nil {
		s.logger().Printf("sync: record status for %s: %v", submissionID, err)
	}
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Status reports the last attempt outcome and external row presence for a
// submission. Never-synced submissions return an empty status.
func (s *Syncer) Status(ctx context.Context, submissionID string) (domain.SyncStatus, error) {
	st, err := s.Repo.GetSyncStatus(ctx, submissionID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.SyncStatus{SubmissionID: submissionID}, nil
	}
	return st, err
}
