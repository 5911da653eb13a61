package skills

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maxagent/maxd/internal/capability"
	"github.com/maxagent/maxd/internal/cron"
)

func newReminderSkills(t *testing.T) *ReminderSkills {
	t.Helper()
	svc := cron.NewService(filepath.Join(t.TempDir(), "jobs.json"), nil)
	return NewReminderSkills(svc)
}

func TestParseScheduleArgs(t *testing.T) {
	if _, err := parseScheduleArgs(map[string]interface{}{}); err == nil {
		t.Error("no schedule fields should error")
	}
	if _, err := parseScheduleArgs(map[string]interface{}{
		"at":   time.Now().Format(time.RFC3339),
		"cron": "0 * * * *",
	}); err == nil {
		t.Error("multiple schedule fields should error")
	}
	if _, err := parseScheduleArgs(map[string]interface{}{"at": "yesterday"}); err == nil {
		t.Error("unparseable timestamp should error")
	}

	s, err := parseScheduleArgs(map[string]interface{}{"every_minutes": float64(15)})
	if err != nil {
		t.Fatalf("every: %v", err)
	}
	if s.Kind != "every" || s.EveryMS == nil || *s.EveryMS != 15*60_000 {
		t.Errorf("every schedule = %+v", s)
	}

	s, err = parseScheduleArgs(map[string]interface{}{"cron": "*/5 * * * *"})
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	if s.Kind != "cron" || s.Expr != "*/5 * * * *" {
		t.Errorf("cron schedule = %+v", s)
	}
}

func TestReminderSetListCancel(t *testing.T) {
	rem := newReminderSkills(t)
	ctx := capability.WithSession(context.Background(), "telegram:42")

	out, err := rem.Set().Invoke(ctx, map[string]interface{}{
		"message":       "water the plants",
		"every_minutes": float64(60),
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !strings.Contains(out, "reminder") || !strings.Contains(out, "id ") {
		t.Errorf("set output = %q", out)
	}

	out, err = rem.List().Invoke(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "water the plants") {
		t.Errorf("list output = %q", out)
	}
	jobs := rem.svc.ListJobs(true)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	if jobs[0].Payload.Channel != "telegram" || jobs[0].Payload.To != "42" {
		t.Errorf("delivery target = %s/%s, want telegram/42", jobs[0].Payload.Channel, jobs[0].Payload.To)
	}

	out, err = rem.Cancel().Invoke(ctx, map[string]interface{}{"id": jobs[0].ID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out, "cancelled") {
		t.Errorf("cancel output = %q", out)
	}

	out, err = rem.List().Invoke(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if out != "no reminders scheduled" {
		t.Errorf("list after cancel = %q", out)
	}
}

func TestReminderSetRequiresMessageAndSchedule(t *testing.T) {
	rem := newReminderSkills(t)
	ctx := context.Background()

	if _, err := rem.Set().Invoke(ctx, map[string]interface{}{"every_minutes": float64(5)}); err == nil {
		t.Error("missing message should error")
	}
	if _, err := rem.Set().Invoke(ctx, map[string]interface{}{"message": "hi"}); err == nil {
		t.Error("missing schedule should error")
	}
}
