package skills

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxagent/maxd/internal/capability"
	"github.com/maxagent/maxd/internal/cron"
)

// ReminderSkills exposes the job scheduler as agent capabilities so the
// agent can set, list, and cancel reminders during a conversation.
type ReminderSkills struct {
	svc *cron.Service
}

func NewReminderSkills(svc *cron.Service) *ReminderSkills {
	return &ReminderSkills{svc: svc}
}

// Set returns the reminder_set capability.
func (r *ReminderSkills) Set() capability.Capability {
	return capability.Capability{
		Name:        "reminder_set",
		Provider:    "scheduler",
		Description: "Schedule a reminder or recurring task. Provide exactly one of: at (RFC3339 timestamp), every_minutes, or cron (5-field expression). The message is delivered back to this chat when the reminder fires.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"message": map[string]interface{}{
					"type":        "string",
					"description": "What to say when the reminder fires",
				},
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Short label for the reminder",
				},
				"at": map[string]interface{}{
					"type":        "string",
					"description": "One-time trigger, RFC3339 timestamp",
				},
				"every_minutes": map[string]interface{}{
					"type":        "number",
					"description": "Recurring interval in minutes",
				},
				"cron": map[string]interface{}{
					"type":        "string",
					"description": "Recurring 5-field cron expression",
				},
			},
			"required": []string{"message"},
		},
		Reversibility: capability.Reversible,
		Invoke:        r.invokeSet,
	}
}

func (r *ReminderSkills) invokeSet(ctx context.Context, args map[string]interface{}) (string, error) {
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("message is required")
	}

	name, _ := args["name"].(string)
	if name == "" {
		name = truncateLabel(message, 40)
	}

	schedule, err := parseScheduleArgs(args)
	if err != nil {
		return "", err
	}

	channel, to := deliveryTarget(ctx)
	job, err := r.svc.AddJob(name, schedule, message, true, channel, to)
	if err != nil {
		return "", err
	}

	when := "per schedule"
	if job.State.NextRunAtMS != nil {
		when = time.UnixMilli(*job.State.NextRunAtMS).Format(time.RFC3339)
	}
	return fmt.Sprintf("reminder %s set (id %s), next run %s", name, job.ID, when), nil
}

// List returns the reminder_list capability.
func (r *ReminderSkills) List() capability.Capability {
	return capability.Capability{
		Name:        "reminder_list",
		Provider:    "scheduler",
		Description: "List scheduled reminders, including disabled ones.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Reversibility: capability.Reversible,
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			jobs := r.svc.ListJobs(true)
			if len(jobs) == 0 {
				return "no reminders scheduled", nil
			}
			var b strings.Builder
			for i, job := range jobs {
				next := "-"
				if job.State.NextRunAtMS != nil {
					next = time.UnixMilli(*job.State.NextRunAtMS).Format("2006-01-02 15:04")
				}
				status := "enabled"
				if !job.Enabled {
					status = "disabled"
				}
				fmt.Fprintf(&b, "%d. %s (id %s, %s) next: %s — %s\n",
					i+1, job.Name, job.ID, status, next, truncateLabel(job.Payload.Message, 80))
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

// Cancel returns the reminder_cancel capability.
func (r *ReminderSkills) Cancel() capability.Capability {
	return capability.Capability{
		Name:        "reminder_cancel",
		Provider:    "scheduler",
		Description: "Cancel a scheduled reminder by id.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id": map[string]interface{}{
					"type":        "string",
					"description": "Reminder id from reminder_list",
				},
			},
			"required": []string{"id"},
		},
		Reversibility: capability.Irreversible,
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			id, _ := args["id"].(string)
			if id == "" {
				return "", fmt.Errorf("id is required")
			}
			if err := r.svc.RemoveJob(id); err != nil {
				return "", err
			}
			return fmt.Sprintf("reminder %s cancelled", id), nil
		},
	}
}

func parseScheduleArgs(args map[string]interface{}) (cron.Schedule, error) {
	at, _ := args["at"].(string)
	everyMin, hasEvery := args["every_minutes"].(float64)
	expr, _ := args["cron"].(string)

	given := 0
	if at != "" {
		given++
	}
	if hasEvery && everyMin > 0 {
		given++
	}
	if expr != "" {
		given++
	}
	if given != 1 {
		return cron.Schedule{}, fmt.Errorf("provide exactly one of at, every_minutes, or cron")
	}

	switch {
	case at != "":
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid at timestamp: %w", err)
		}
		atMS := ts.UnixMilli()
		return cron.Schedule{Kind: "at", AtMS: &atMS}, nil
	case hasEvery && everyMin > 0:
		everyMS := int64(everyMin) * 60_000
		return cron.Schedule{Kind: "every", EveryMS: &everyMS}, nil
	default:
		return cron.Schedule{Kind: "cron", Expr: expr}, nil
	}
}

// deliveryTarget derives the channel and chat id from the session key,
// so the reminder fires back into the conversation that set it.
func deliveryTarget(ctx context.Context) (channel, to string) {
	session := capability.SessionFromContext(ctx)
	channel, to, _ = strings.Cut(session, ":")
	return
}

func truncateLabel(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
