package skills

import (
	"fmt"

	"github.com/maxagent/maxd/internal/capability"
	"github.com/maxagent/maxd/internal/cron"
	"github.com/maxagent/maxd/internal/memory"
)

// Options selects which built-in skill providers are registered and
// carries their configuration.
type Options struct {
	Workspace string
	Memory    *memory.Store // nil disables memory_* capabilities
	Web       WebConfig
	Email     *SMTPConfig   // nil disables email_send
	Packs     *Loader       // nil disables skill_search/skill_load
	Scheduler *cron.Service // nil disables reminder_* capabilities
}

// RegisterBuiltins wires the built-in capabilities into the registry.
func RegisterBuiltins(reg *capability.Registry, opts Options) error {
	caps := []capability.Capability{TimeNow()}

	if opts.Workspace != "" {
		fs, err := NewFileSkills(opts.Workspace)
		if err != nil {
			return fmt.Errorf("workspace skills: %w", err)
		}
		caps = append(caps, fs.Read(), fs.Write(), fs.List(), fs.Delete())
		caps = append(caps, ShellExec(opts.Workspace))
	}

	caps = append(caps, NewWebFetcher(opts.Web).Fetch())

	if opts.Memory != nil {
		mem := NewMemorySkills(opts.Memory)
		caps = append(caps, mem.Store(), mem.Recall(), mem.Forget())
	}

	if opts.Email != nil {
		caps = append(caps, NewEmailSkills(*opts.Email).Send())
	}

	if opts.Packs != nil {
		packs := NewPackSkills(opts.Packs)
		caps = append(caps, packs.Search(), packs.Load())
	}

	if opts.Scheduler != nil {
		rem := NewReminderSkills(opts.Scheduler)
		caps = append(caps, rem.Set(), rem.List(), rem.Cancel())
	}

	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register %s: %w", c.Name, err)
		}
	}
	return nil
}
