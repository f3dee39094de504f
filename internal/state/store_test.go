package state_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"camstitch/internal/services"
	"camstitch/internal/state"
)

func openStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.OpenPath(filepath.Join(t.TempDir(), state.FileName))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBeginRunIncrementsGeneration(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	first, err := store.BeginRun(ctx, "hash-1", 3, `{"a":1}`)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if first.Generation != 1 || first.Status != state.RunRunning {
		t.Fatalf("unexpected first run %+v", first)
	}
	second, err := store.BeginRun(ctx, "hash-1", 3, `{"a":1}`)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if second.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", second.Generation)
	}
	if err := store.FinishRun(ctx, "hash-1", state.RunCompleted, `{"ok":true}`, ""); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	latest, err := store.LatestRun(ctx)
	if err != nil || latest == nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if latest.Status != state.RunCompleted || latest.SummaryJSON == "" {
		t.Fatalf("unexpected latest run %+v", latest)
	}
}

func TestStageLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	if _, err := store.BeginRun(ctx, "r", 0, ""); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	if err := store.ResetStage(ctx, "r", "extract", "in-1"); err != nil {
		t.Fatalf("ResetStage failed: %v", err)
	}
	rec, err := store.TransitionStage(ctx, "r", "extract", state.StatusRunning, nil)
	if err != nil {
		t.Fatalf("TransitionStage failed: %v", err)
	}
	if rec.Attempts != 1 || rec.InputHash != "in-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	rec, err = store.TransitionStage(ctx, "r", "extract", state.StatusFailed, &state.StageFailure{Kind: services.KindTransient, Message: "boom"})
	if err != nil {
		t.Fatalf("fail transition failed: %v", err)
	}
	if rec.ErrorMessage != "boom" {
		t.Fatalf("expected failure message, got %+v", rec)
	}
	if _, err := store.TransitionStage(ctx, "r", "extract", state.StatusCompleted, nil); err == nil {
		t.Fatal("failed -> completed must be rejected")
	}
	if _, err := store.TransitionStage(ctx, "r", "extract", state.StatusRunning, nil); err != nil {
		t.Fatalf("retry transition failed: %v", err)
	}
	rec, err = store.CompleteStage(ctx, "r", "extract", []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("CompleteStage failed: %v", err)
	}
	if rec.Status != state.StatusCompleted || rec.Attempts != 2 || rec.OutputHash == "" || rec.ErrorMessage != "" {
		t.Fatalf("unexpected completed record %+v", rec)
	}
	out, ok, err := store.GetOutput(ctx, "r", "extract")
	if err != nil || !ok || string(out) != `{"n":1}` {
		t.Fatalf("unexpected output %q ok=%v err=%v", out, ok, err)
	}

	if err := store.ResetStage(ctx, "r", "extract", "in-2"); err != nil {
		t.Fatalf("ResetStage failed: %v", err)
	}
	if _, ok, _ := store.GetOutput(ctx, "r", "extract"); ok {
		t.Fatal("reset must discard output")
	}
	rec, _ = store.GetStage(ctx, "r", "extract")
	if rec.Status != state.StatusPending || rec.Attempts != 0 || rec.InputHash != "in-2" {
		t.Fatalf("unexpected reset record %+v", rec)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	if _, err := store.BeginRun(ctx, "r", 0, ""); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if err := store.EnsureUnits(ctx, "r", "extract", []string{"u1"}); err != nil {
		t.Fatalf("EnsureUnits failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Claim(ctx, "r", "extract", "u1")
			if err != nil {
				t.Errorf("Claim failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one claim, got %d", wins)
	}
}

func TestCommitRequiresClaimToken(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	if _, err := store.BeginRun(ctx, "r", 0, ""); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if err := store.EnsureUnits(ctx, "r", "dedupe", []string{"c1"}); err != nil {
		t.Fatalf("EnsureUnits failed: %v", err)
	}
	claim, ok, err := store.Claim(ctx, "r", "dedupe", "c1")
	if err != nil || !ok {
		t.Fatalf("Claim failed: ok=%v err=%v", ok, err)
	}
	if claim.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", claim.Attempt)
	}
	stale := claim
	stale.Token = "someone-else"
	if err := store.Commit(ctx, stale, []byte("x")); !errors.Is(err, state.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
	if err := store.Commit(ctx, claim, []byte(`{"ok":1}`)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, ok, _ := store.Claim(ctx, "r", "dedupe", "c1"); ok {
		t.Fatal("completed unit must not be claimable")
	}
}

func TestFailRetryAndEscalate(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	if _, err := store.BeginRun(ctx, "r", 0, ""); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if err := store.EnsureUnits(ctx, "r", "extract", []string{"a", "b"}); err != nil {
		t.Fatalf("EnsureUnits failed: %v", err)
	}
	claim, _, _ := store.Claim(ctx, "r", "extract", "a")
	if err := store.Fail(ctx, claim, state.StatusFailed, services.KindTimeout, "slow"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	again, ok, err := store.Claim(ctx, "r", "extract", "a")
	if err != nil || !ok || again.Attempt != 2 {
		t.Fatalf("expected retry claim with attempt 2, got %+v ok=%v err=%v", again, ok, err)
	}
	if err := store.Fail(ctx, again, state.StatusFailed, services.KindTimeout, "slow"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if err := store.Escalate(ctx, "r", "extract", "a"); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	claimB, _, _ := store.Claim(ctx, "r", "extract", "b")
	if err := store.Fail(ctx, claimB, state.StatusExcluded, services.KindFatalMedia, "corrupt"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	snap, err := store.Snapshot(ctx, "r", []string{"extract"})
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	st, _ := snap.Stage("extract")
	if len(st.Failed) != 2 {
		t.Fatalf("expected two failed units, got %+v", st.Failed)
	}
	if st.Failed[0].Key != "a" || st.Failed[0].Status != state.StatusFailedTerminal || st.Failed[0].Attempts != 2 {
		t.Fatalf("unexpected failed unit a: %+v", st.Failed[0])
	}
	if st.Failed[1].ErrorKind != services.KindFatalMedia {
		t.Fatalf("unexpected failed unit b: %+v", st.Failed[1])
	}
}

func TestRetryStageReopensOnlyFailedUnits(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	if _, err := store.BeginRun(ctx, "r", 0, ""); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if err := store.ResetStage(ctx, "r", "extract", "h"); err != nil {
		t.Fatalf("ResetStage failed: %v", err)
	}
	if _, err := store.TransitionStage(ctx, "r", "extract", state.StatusRunning, nil); err != nil {
		t.Fatalf("TransitionStage failed: %v", err)
	}
	if err := store.EnsureUnits(ctx, "r", "extract", []string{"a", "b", "c"}); err != nil {
		t.Fatalf("EnsureUnits failed: %v", err)
	}
	done, _, _ := store.Claim(ctx, "r", "extract", "a")
	if err := store.Commit(ctx, done, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	broken, _, _ := store.Claim(ctx, "r", "extract", "b")
	if err := store.Fail(ctx, broken, state.StatusFailedTerminal, services.KindConfiguration, "missing binary"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	corrupt, _, _ := store.Claim(ctx, "r", "extract", "c")
	if err := store.Fail(ctx, corrupt, state.StatusExcluded, services.KindFatalMedia, "corrupt"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	failure := &state.StageFailure{Kind: services.KindConfiguration, Message: "missing binary"}
	if _, err := store.TransitionStage(ctx, "r", "extract", state.StatusFailed, failure); err != nil {
		t.Fatalf("TransitionStage failed: %v", err)
	}
	if _, err := store.TransitionStage(ctx, "r", "extract", state.StatusFailedTerminal, failure); err != nil {
		t.Fatalf("TransitionStage failed: %v", err)
	}

	reopened, err := store.RetryStage(ctx, "r", "extract")
	if err != nil {
		t.Fatalf("RetryStage failed: %v", err)
	}
	if reopened != 1 {
		t.Fatalf("expected 1 reopened unit, got %d", reopened)
	}
	units, _ := store.ListUnits(ctx, "r", "extract")
	if units[0].Status != state.StatusCompleted || string(units[0].Result) != `{"ok":true}` || units[0].Attempts != 1 {
		t.Fatalf("completed unit must keep its result, got %+v", units[0])
	}
	if units[1].Status != state.StatusPending || units[1].Attempts != 0 || units[1].ErrorKind != "" {
		t.Fatalf("failed unit must be pending with fresh attempts, got %+v", units[1])
	}
	if units[2].Status != state.StatusExcluded {
		t.Fatalf("excluded unit must stay excluded, got %+v", units[2])
	}
	rec, _ := store.GetStage(ctx, "r", "extract")
	if rec.Status != state.StatusPending || rec.InputHash != "h" || rec.Attempts != 0 {
		t.Fatalf("unexpected reopened stage %+v", rec)
	}
}

func TestRecoverInterruptedRefundsAttempt(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	if _, err := store.BeginRun(ctx, "r", 0, ""); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if err := store.ResetStage(ctx, "r", "extract", "h"); err != nil {
		t.Fatalf("ResetStage failed: %v", err)
	}
	if _, err := store.TransitionStage(ctx, "r", "extract", state.StatusRunning, nil); err != nil {
		t.Fatalf("TransitionStage failed: %v", err)
	}
	if err := store.EnsureUnits(ctx, "r", "extract", []string{"a"}); err != nil {
		t.Fatalf("EnsureUnits failed: %v", err)
	}
	claim, _, _ := store.Claim(ctx, "r", "extract", "a")

	recovered, err := store.RecoverInterrupted(ctx, "r")
	if err != nil {
		t.Fatalf("RecoverInterrupted failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered unit, got %d", recovered)
	}
	if err := store.Commit(ctx, claim, nil); !errors.Is(err, state.ErrClaimLost) {
		t.Fatalf("stale claim must be rejected after recovery, got %v", err)
	}
	units, _ := store.ListUnits(ctx, "r", "extract")
	if units[0].Status != state.StatusPending || units[0].Attempts != 0 {
		t.Fatalf("unexpected recovered unit %+v", units[0])
	}
	rec, _ := store.GetStage(ctx, "r", "extract")
	if rec.Status != state.StatusPending || rec.Attempts != 0 {
		t.Fatalf("unexpected recovered stage %+v", rec)
	}
}

func TestOpenCorruptStateIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), state.FileName)
	if err := os.WriteFile(path, []byte("definitely not a sqlite database, just text padding padding padding"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := state.OpenPath(path)
	if !errors.Is(err, services.ErrStateCorruption) {
		t.Fatalf("expected ErrStateCorruption, got %v", err)
	}
	if !services.IsFatal(err) {
		t.Fatal("corruption must be fatal")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to state.Status
		want     bool
	}{
		{state.StatusPending, state.StatusRunning, true},
		{state.StatusRunning, state.StatusCompleted, true},
		{state.StatusRunning, state.StatusFailed, true},
		{state.StatusFailed, state.StatusRunning, true},
		{state.StatusFailed, state.StatusFailedTerminal, true},
		{state.StatusPending, state.StatusCompleted, false},
		{state.StatusCompleted, state.StatusRunning, false},
		{state.StatusFailedTerminal, state.StatusRunning, false},
	}
	for _, tt := range tests {
		if got := state.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
