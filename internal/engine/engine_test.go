package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reportline/internal/app"
	"reportline/internal/config"
	"reportline/internal/db"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/migrate"
	"reportline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var (
	owner    = domain.Actor{ID: "edu-user", MinistryID: "EDU"}
	reviewer = domain.Actor{ID: "court", Reviewer: true}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := app.SeedCatalog(ctx, eng.Repo, cfg); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createDraft(t *testing.T, env testEnv, period string) domain.Submission {
	t.Helper()
	target := 20.0
	s, err := env.Engine.Create(env.Ctx, engine.SubmissionCreateOptions{
		MinistryID:       "EDU",
		CommitmentLineID: "EDU-01",
		IndicatorID:      "IND1",
		Period:           period,
		Value:            22,
		Target:           &target,
	}, owner)
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return s
}

func TestLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	s := createDraft(t, env, "2026")
	if s.State != domain.StateDraft {
		t.Fatalf("expected draft, got %s", s.State)
	}
	if s.Unit != "%" {
		t.Fatalf("expected unit inherited from indicator, got %q", s.Unit)
	}

	s, err := env.Engine.Submit(env.Ctx, s.ID, owner)
	if err != nil || s.State != domain.StatePending {
		t.Fatalf("submit: %v (state %s)", err, s.State)
	}
	s, err = env.Engine.Review(env.Ctx, s.ID, reviewer, domain.DecisionValidated, "looks good")
	if err != nil || s.State != domain.StateValidated {
		t.Fatalf("review: %v (state %s)", err, s.State)
	}
	if s.ReviewerNotes != "looks good" {
		t.Fatalf("expected reviewer notes, got %q", s.ReviewerNotes)
	}
	s, err = env.Engine.SetPublished(env.Ctx, s.ID, reviewer, true)
	if err != nil || !s.Published {
		t.Fatalf("publish: %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	s := createDraft(t, env, "2026")

	// review before submit
	if _, err := env.Engine.Review(env.Ctx, s.ID, reviewer, domain.DecisionValidated, ""); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition reviewing a draft, got %v", err)
	}
	// publish before validated
	if _, err := env.Engine.SetPublished(env.Ctx, s.ID, reviewer, true); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition publishing a draft, got %v", err)
	}
	// double submit
	if _, err := env.Engine.Submit(env.Ctx, s.ID, owner); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, s.ID, owner); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on double submit, got %v", err)
	}
	// rejected is terminal
	if _, err := env.Engine.Review(env.Ctx, s.ID, reviewer, domain.DecisionRejected, "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, s.ID, owner); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition submitting rejected, got %v", err)
	}
}

func TestRoleGating(t *testing.T) {
	env := newTestEnv(t)
	s := createDraft(t, env, "2026")
	stranger := domain.Actor{ID: "someone-else"}

	if _, err := env.Engine.Submit(env.Ctx, s.ID, stranger); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden submit by non-owner, got %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, s.ID, owner); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Review(env.Ctx, s.ID, owner, domain.DecisionValidated, ""); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden review by non-reviewer, got %v", err)
	}
	if _, err := env.Engine.Review(env.Ctx, s.ID, reviewer, domain.DecisionValidated, ""); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := env.Engine.SetPublished(env.Ctx, s.ID, owner, true); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden publish by non-reviewer, got %v", err)
	}
}

func TestTripleConflict(t *testing.T) {
	env := newTestEnv(t)
	first := createDraft(t, env, "2026")
	second := createDraft(t, env, "2026")

	if _, err := env.Engine.Submit(env.Ctx, first.ID, owner); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	// second submit for the same triple must fail while the first is live
	if _, err := env.Engine.Submit(env.Ctx, second.ID, owner); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, err := env.Engine.Repo.GetSubmission(env.Ctx, second.ID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if got.State != domain.StateDraft {
		t.Fatalf("failed submit must not change state, got %s", got.State)
	}
	// after the first is rejected the triple frees up
	if _, err := env.Engine.Review(env.Ctx, first.ID, reviewer, domain.DecisionRejected, ""); err != nil {
		t.Fatalf("reject first: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, second.ID, owner); err != nil {
		t.Fatalf("submit second after reject: %v", err)
	}
	// a validated holder also blocks
	third := createDraft(t, env, "2026")
	if _, err := env.Engine.Review(env.Ctx, second.ID, reviewer, domain.DecisionValidated, ""); err != nil {
		t.Fatalf("validate second: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, third.ID, owner); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict against validated holder, got %v", err)
	}
	// a different period does not conflict
	other := createDraft(t, env, "2027")
	if _, err := env.Engine.Submit(env.Ctx, other.ID, owner); err != nil {
		t.Fatalf("submit other period: %v", err)
	}
}

func TestConcurrentSubmitExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env, "2026")
	b := createDraft(t, env, "2026")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Submit(env.Ctx, id, owner)
		}(i, id)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, repo.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner, got ok=%d conflicts=%d", ok, conflicts)
	}
}

func TestEditGating(t *testing.T) {
	env := newTestEnv(t)
	s := createDraft(t, env, "2026")
	v := 30.0
	s, err := env.Engine.Edit(env.Ctx, s.ID, owner, engine.SubmissionEditOptions{Value: &v, ClearTarget: true})
	if err != nil {
		t.Fatalf("edit draft: %v", err)
	}
	if s.Value != 30 || s.Target != nil {
		t.Fatalf("edit not applied: value=%v target=%v", s.Value, s.Target)
	}
	if _, err := env.Engine.Submit(env.Ctx, s.ID, owner); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Edit(env.Ctx, s.ID, owner, engine.SubmissionEditOptions{Value: &v}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition editing pending, got %v", err)
	}
	// observed is editable again
	if _, err := env.Engine.Review(env.Ctx, s.ID, reviewer, domain.DecisionObserved, "check source"); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if _, err := env.Engine.Edit(env.Ctx, s.ID, owner, engine.SubmissionEditOptions{Value: &v}); err != nil {
		t.Fatalf("edit observed: %v", err)
	}
}

func TestDeleteGating(t *testing.T) {
	env := newTestEnv(t)
	draft := createDraft(t, env, "2026")
	if err := env.Engine.Delete(env.Ctx, draft.ID, domain.Actor{ID: "not-owner"}); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden draft delete by non-owner, got %v", err)
	}
	if err := env.Engine.Delete(env.Ctx, draft.ID, owner); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	if _, err := env.Engine.Repo.GetSubmission(env.Ctx, draft.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}

	pend := createDraft(t, env, "2026")
	if _, err := env.Engine.Submit(env.Ctx, pend.ID, owner); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.Engine.Delete(env.Ctx, pend.ID, owner); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden pending delete by owner, got %v", err)
	}
	if err := env.Engine.Delete(env.Ctx, pend.ID, reviewer); err != nil {
		t.Fatalf("delete pending as reviewer: %v", err)
	}
	// tombstone audit event survives the row
	events, err := env.Engine.Repo.ListEvents(env.Ctx, 0, pend.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, evt := range events {
		if evt.Action == "submission.deleted" && evt.Before != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected submission.deleted tombstone event")
	}

	val := createDraft(t, env, "2026")
	if _, err := env.Engine.Submit(env.Ctx, val.ID, owner); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Review(env.Ctx, val.ID, reviewer, domain.DecisionValidated, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := env.Engine.Delete(env.Ctx, val.ID, reviewer); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition deleting validated, got %v", err)
	}
}

func TestResubmitClearsNotesOnlyWhenChanged(t *testing.T) {
	env := newTestEnv(t)

	observe := func(t *testing.T) domain.Submission {
		t.Helper()
		s := createDraft(t, env, "2026")
		if _, err := env.Engine.Submit(env.Ctx, s.ID, owner); err != nil {
			t.Fatalf("submit: %v", err)
		}
		s, err := env.Engine.Review(env.Ctx, s.ID, reviewer, domain.DecisionObserved, "fix the source")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		return s
	}

	// unchanged payload keeps the notes
	s := observe(t)
	s, err := env.Engine.Submit(env.Ctx, s.ID, owner)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if s.ReviewerNotes != "fix the source" {
		t.Fatalf("expected notes kept on unchanged resubmit, got %q", s.ReviewerNotes)
	}
	if _, err := env.Engine.Review(env.Ctx, s.ID, reviewer, domain.DecisionRejected, ""); err != nil {
		t.Fatalf("clear triple: %v", err)
	}

	// edited payload clears them
	s = observe(t)
	src := "census 2026"
	if _, err := env.Engine.Edit(env.Ctx, s.ID, owner, engine.SubmissionEditOptions{Source: &src}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	s, err = env.Engine.Submit(env.Ctx, s.ID, owner)
	if err != nil {
		t.Fatalf("resubmit after edit: %v", err)
	}
	if s.ReviewerNotes != "" {
		t.Fatalf("expected notes cleared after payload change, got %q", s.ReviewerNotes)
	}
}

func TestCreateValidatesCatalogReferences(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.SubmissionCreateOptions{
		{MinistryID: "EDU", CommitmentLineID: "NOPE", IndicatorID: "IND1", Period: "2026"},
		{MinistryID: "EDU", CommitmentLineID: "EDU-01", IndicatorID: "NOPE", Period: "2026"},
		// line belongs to another ministry
		{MinistryID: "HLT", CommitmentLineID: "EDU-01", IndicatorID: "IND1", Period: "2026"},
		// indicator belongs to another line
		{MinistryID: "EDU", CommitmentLineID: "EDU-01", IndicatorID: "IND2", Period: "2026"},
		{MinistryID: "EDU", CommitmentLineID: "EDU-01", IndicatorID: "IND1"},
	}
	for i, opts := range cases {
		if _, err := env.Engine.Create(env.Ctx, opts, owner); err == nil {
			t.Fatalf("case %d: expected create to fail", i)
		}
	}
}

func TestPublishUnpublishIdempotent(t *testing.T) {
	env := newTestEnv(t)
	s := createDraft(t, env, "2026")
	if _, err := env.Engine.Submit(env.Ctx, s.ID, owner); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Review(env.Ctx, s.ID, reviewer, domain.DecisionValidated, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := env.Engine.SetPublished(env.Ctx, s.ID, reviewer, true); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// repeat publish is a no-op, not an error
	if _, err := env.Engine.SetPublished(env.Ctx, s.ID, reviewer, true); err != nil {
		t.Fatalf("re-publish: %v", err)
	}
	s2, err := env.Engine.SetPublished(env.Ctx, s.ID, reviewer, false)
	if err != nil || s2.Published {
		t.Fatalf("unpublish: %v", err)
	}
	events, err := env.Engine.Repo.ListEvents(env.Ctx, 0, s.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var published, unpublished int
	for _, evt := range events {
		switch evt.Action {
		case "submission.published":
			published++
		case "submission.unpublished":
			unpublished++
		}
	}
	if published != 1 || unpublished != 1 {
		t.Fatalf("expected one publish and one unpublish event, got %d/%d", published, unpublished)
	}
}
