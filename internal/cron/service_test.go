package cron

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestService(t *testing.T, handler JobHandler) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.json")
	svc := NewService(path, handler)
	svc.SetRetryConfig(RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	return svc
}

func int64p(v int64) *int64 { return &v }

func TestAddJobValidatesSchedule(t *testing.T) {
	svc := newTestService(t, nil)

	if _, err := svc.AddJob("bad", Schedule{Kind: "cron", Expr: "not a cron"}, "m", false, "", ""); err == nil {
		t.Error("invalid cron expression should be rejected")
	}
	if _, err := svc.AddJob("bad", Schedule{Kind: "every"}, "m", false, "", ""); err == nil {
		t.Error("every without interval should be rejected")
	}
	if _, err := svc.AddJob("bad", Schedule{Kind: "nope"}, "m", false, "", ""); err == nil {
		t.Error("unknown schedule kind should be rejected")
	}

	job, err := svc.AddJob("hourly", Schedule{Kind: "cron", Expr: "0 * * * *"}, "check things", false, "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if job.State.NextRunAtMS == nil {
		t.Error("cron job should have a next run scheduled")
	}
	if job.DeleteAfterRun {
		t.Error("recurring job should not be delete-after-run")
	}
}

func TestOneTimeJobDeletesAfterRun(t *testing.T) {
	svc := newTestService(t, func(job *Job) (string, error) {
		return "done: " + job.Payload.Message, nil
	})

	past := time.Now().Add(time.Hour).UnixMilli()
	job, err := svc.AddJob("once", Schedule{Kind: "at", AtMS: &past}, "remind me", true, "cli", "local")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !job.DeleteAfterRun {
		t.Fatal("at job should be delete-after-run")
	}

	ran, result, err := svc.RunJob(job.ID, true)
	if err != nil || !ran {
		t.Fatalf("run: ran=%v err=%v", ran, err)
	}
	if result != "done: remind me" {
		t.Errorf("result = %q", result)
	}
	if _, ok := svc.GetJob(job.ID); ok {
		t.Error("one-time job should be removed after running")
	}
}

func TestRunJobNotDue(t *testing.T) {
	svc := newTestService(t, func(*Job) (string, error) { return "", nil })

	future := time.Now().Add(time.Hour).UnixMilli()
	job, _ := svc.AddJob("later", Schedule{Kind: "at", AtMS: &future}, "m", false, "", "")

	ran, reason, err := svc.RunJob(job.ID, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ran || reason != "not-due" {
		t.Errorf("ran=%v reason=%q, want not-due skip", ran, reason)
	}
}

func TestRunJobRecordsFailure(t *testing.T) {
	svc := newTestService(t, func(*Job) (string, error) {
		return "", fmt.Errorf("handler exploded")
	})

	job, _ := svc.AddJob("flaky", Schedule{Kind: "every", EveryMS: int64p(60_000)}, "m", false, "", "")

	if _, _, err := svc.RunJob(job.ID, true); err == nil {
		t.Fatal("expected handler error to propagate")
	}

	got, ok := svc.GetJob(job.ID)
	if !ok {
		t.Fatal("recurring job should survive a failed run")
	}
	if got.State.LastStatus != "error" || got.State.LastError == "" {
		t.Errorf("state = %+v, want error status", got.State)
	}
	if got.State.NextRunAtMS == nil {
		t.Error("recurring job should be rescheduled after failure")
	}

	log := svc.GetRunLog(job.ID, 10)
	if len(log) != 1 || log[0].Status != "error" {
		t.Errorf("run log = %+v", log)
	}
}

func TestUpdateJobPatch(t *testing.T) {
	svc := newTestService(t, nil)
	job, _ := svc.AddJob("orig", Schedule{Kind: "every", EveryMS: int64p(60_000)}, "old message", false, "", "")

	disabled := false
	updated, err := svc.UpdateJob(job.ID, JobPatch{Name: "renamed", Message: "new message", Enabled: &disabled})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "renamed" || updated.Payload.Message != "new message" {
		t.Errorf("patch not applied: %+v", updated)
	}
	if updated.Enabled || updated.State.NextRunAtMS != nil {
		t.Error("disabled job should have no next run")
	}

	if _, err := svc.UpdateJob("missing", JobPatch{Name: "x"}); err == nil {
		t.Error("updating unknown job should fail")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")

	svc := NewService(path, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	job, err := svc.AddJob("persisted", Schedule{Kind: "cron", Expr: "*/5 * * * *"}, "m", false, "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	svc.Stop()

	svc2 := NewService(path, nil)
	if err := svc2.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer svc2.Stop()

	got, ok := svc2.GetJob(job.ID)
	if !ok {
		t.Fatal("job should survive restart")
	}
	if got.Name != "persisted" || got.Schedule.Expr != "*/5 * * * *" {
		t.Errorf("reloaded job = %+v", got)
	}
}

func TestNextRun(t *testing.T) {
	svc := newTestService(t, nil)
	now := time.Now().UnixMilli()

	if next := svc.nextRun(&Schedule{Kind: "every", EveryMS: int64p(1000)}, now); next == nil || *next != now+1000 {
		t.Errorf("every next = %v", next)
	}

	past := now - 1000
	if next := svc.nextRun(&Schedule{Kind: "at", AtMS: &past}, now); next != nil {
		t.Error("past at schedule should have no next run")
	}

	next := svc.nextRun(&Schedule{Kind: "cron", Expr: "0 0 * * *"}, now)
	if next == nil || *next <= now {
		t.Errorf("cron next = %v", next)
	}
}
