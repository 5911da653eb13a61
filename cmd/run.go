package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxagent/maxd/internal/agent"
	"github.com/maxagent/maxd/internal/approval"
	"github.com/maxagent/maxd/internal/bus"
	"github.com/maxagent/maxd/internal/capability"
	"github.com/maxagent/maxd/internal/channels"
	"github.com/maxagent/maxd/internal/channels/cli"
	"github.com/maxagent/maxd/internal/channels/discord"
	"github.com/maxagent/maxd/internal/channels/telegram"
	"github.com/maxagent/maxd/internal/config"
	"github.com/maxagent/maxd/internal/contextwin"
	"github.com/maxagent/maxd/internal/cron"
	"github.com/maxagent/maxd/internal/dispatch"
	"github.com/maxagent/maxd/internal/heartbeat"
	"github.com/maxagent/maxd/internal/memory"
	"github.com/maxagent/maxd/internal/providers"
	"github.com/maxagent/maxd/internal/scheduler"
	"github.com/maxagent/maxd/internal/skills"
	"github.com/maxagent/maxd/internal/store"
	"github.com/maxagent/maxd/internal/tracing"
	"github.com/maxagent/maxd/internal/tracing/otelexport"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
}

func runDaemon() {
	cfgPath := resolveConfigPath()
	cfg := mustLoadConfig()
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDaemon(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer d.shutdown()

	// Config hot reload: approval mode is the one knob worth flipping
	// without a restart.
	if watcher, err := config.NewWatcher(cfgPath); err == nil {
		watcher.OnChange(func(next *config.Config) {
			d.gate.SetMode(approval.Mode(next.Approval.Mode))
			slog.Info("config reloaded", "approval_mode", next.Approval.Mode)
		})
		if err := watcher.Start(); err == nil {
			defer watcher.Stop()
		}
	}

	slog.Info("maxd started",
		"model", cfg.Agent.Model,
		"channels", d.manager.Names(),
		"approval_mode", cfg.Approval.Mode,
	)

	<-ctx.Done()
	slog.Info("shutting down")
}

// daemon bundles everything runDaemon wires together, so shutdown can
// happen in one place in reverse order.
type daemon struct {
	cfg       *config.Config
	st        *store.Store
	mem       *memory.Store
	msgBus    *bus.MessageBus
	gate      *approval.Gate
	sessions  *agent.SessionManager
	sched     *scheduler.Scheduler
	manager   *channels.Manager
	cronSvc   *cron.Service
	beat      *heartbeat.Service
	tracer    *tracing.Collector
	skillsWt  *skills.Watcher
	consumerC chan struct{}

	// lastChat remembers the most recent inbound conversation, used by
	// the heartbeat "last" delivery target.
	lastChat struct {
		channel string
		chatID  string
	}
}

func buildDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg, consumerC: make(chan struct{})}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Workspace, 0755); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	var err error
	d.st, err = store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d.mem, err = memory.Open(cfg.Memory.Path)
	if err != nil {
		return nil, fmt.Errorf("open memory: %w", err)
	}

	provider := providers.NewOpenAIProvider(cfg.Agent.Provider, cfg.Agent.APIKey, cfg.Agent.APIBase)

	weigher := contextwin.NewWeigher()
	summarizer := &contextwin.ModelSummarizer{Provider: provider, Model: cfg.Agent.Model}
	winCfg := contextwin.Config{
		Budget:              cfg.Context.Budget,
		SummaryReserve:      cfg.Context.SummaryReserve,
		InteractiveOverhead: cfg.Context.InteractiveOverhead,
	}

	loader := skills.NewLoader(cfg.Workspace, cfg.Skills.GlobalDir, cfg.Skills.BuiltinDir)
	if cfg.Skills.Watch {
		if wt, err := skills.NewWatcher(loader); err == nil {
			if err := wt.Start(ctx); err == nil {
				d.skillsWt = wt
			}
		}
	}

	d.sessions, err = agent.NewSessionManager(cfg.Agent.MaxSessions, d.st,
		func(key string) *contextwin.Window {
			w := contextwin.New(winCfg, weigher, summarizer)
			pinBootstrap(w, cfg, loader)
			w.OnSummary = summaryRecorder(d.mem, key)
			return w
		},
		func(key string, state contextwin.State) *contextwin.Window {
			w := contextwin.Restore(winCfg, weigher, summarizer, state)
			w.OnSummary = summaryRecorder(d.mem, key)
			return w
		},
	)
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}

	// Scheduled jobs live beside the databases.
	d.cronSvc = cron.NewService(filepath.Join(cfg.DataDir, "jobs.json"), nil)

	registry := capability.NewRegistry()
	skillOpts := skills.Options{
		Workspace: cfg.Workspace,
		Memory:    d.mem,
		Web:       skills.WebConfig{},
		Packs:     loader,
		Scheduler: d.cronSvc,
	}
	if cfg.Email.Host != "" {
		skillOpts.Email = &skills.SMTPConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			StartTLS: cfg.Email.StartTLS,
		}
	}
	if err := skills.RegisterBuiltins(registry, skillOpts); err != nil {
		return nil, fmt.Errorf("register capabilities: %w", err)
	}

	d.gate = approval.NewGate(approval.Policy{
		Mode:    approval.Mode(cfg.Approval.Mode),
		Timeout: cfg.Approval.Timeout(),
	})

	dispatcher := dispatch.New(registry,
		dispatch.WithRateLimiter(dispatch.NewRateLimiter(cfg.Scheduler.RateLimitRPM, cfg.Scheduler.RateLimitRPM/6+1)),
	)

	d.tracer = tracing.NewCollector()
	if cfg.Tracing.OTLPEndpoint != "" {
		exp, err := otelexport.New(ctx, otelexport.Config{
			Endpoint:    cfg.Tracing.OTLPEndpoint,
			Protocol:    cfg.Tracing.Protocol,
			Insecure:    cfg.Tracing.Insecure,
			ServiceName: cfg.Tracing.ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		d.tracer.SetExporter(exp)
	}
	d.tracer.Start()

	controller := agent.NewController(agent.ControllerConfig{
		Provider:   provider,
		Model:      cfg.Agent.Model,
		Registry:   registry,
		Gate:       d.gate,
		Dispatcher: dispatcher,
		MaxSteps:   cfg.Agent.MaxSteps,
		Audit:      d.st,
		Tracer:     d.tracer,
	})

	d.msgBus = bus.New()

	// Intermediate commentary streams out as editable previews.
	controller.OnUtterance = func(sessionKey, text string) {
		channel, chatID, ok := strings.Cut(sessionKey, ":")
		if !ok {
			return
		}
		d.msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: text,
			Partial: true,
		})
	}

	runTurn := func(ctx context.Context, msg bus.InboundMessage) (string, error) {
		sessionKey := agent.SessionKey(msg.Channel, msg.SenderID)
		sess := d.sessions.GetOrCreate(sessionKey)
		reply, err := controller.RunTurn(ctx, sess, msg.Content)
		d.commitTurn(sess, msg.Content, reply, err)
		return reply, err
	}

	queueCfg := scheduler.DefaultQueueConfig()
	queueCfg.Mode = scheduler.QueueMode(cfg.Scheduler.QueueMode)
	queueCfg.Drop = scheduler.DropPolicy(cfg.Scheduler.DropPolicy)
	lanes := scheduler.DefaultLanes()
	if cfg.Scheduler.MainWorkers > 0 {
		lanes[0].Concurrency = cfg.Scheduler.MainWorkers
	}
	d.sched = scheduler.NewScheduler(lanes, queueCfg, runTurn)

	// Scheduled jobs either deliver a message directly or run an agent
	// turn and deliver its reply.
	d.cronSvc.SetOnJob(func(job *cron.Job) (string, error) {
		if job.Payload.Deliver && job.Payload.Channel != "" {
			d.msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: job.Payload.Channel,
				ChatID:  job.Payload.To,
				Content: job.Payload.Message,
			})
			return "delivered", nil
		}
		sess := d.sessions.GetOrCreate("cli:jobs")
		reply, err := controller.RunTurn(context.Background(), sess, job.Payload.Message)
		d.commitTurn(sess, job.Payload.Message, reply, err)
		if err != nil {
			return "", err
		}
		if job.Payload.Channel != "" {
			d.msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: job.Payload.Channel,
				ChatID:  job.Payload.To,
				Content: reply,
			})
		}
		return reply, nil
	})
	if err := d.cronSvc.Start(); err != nil {
		return nil, fmt.Errorf("start jobs: %w", err)
	}

	d.manager = channels.NewManager(d.msgBus)
	if cfg.Channels.CLI {
		if err := d.manager.Register(cli.New(d.msgBus)); err != nil {
			return nil, err
		}
	}

	// Each transport that can surface approval prompts contributes one.
	var prompters []func(*approval.Pending)
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{
			Token:             cfg.Channels.Telegram.Token,
			AllowedUserIDs:    cfg.Channels.Telegram.AllowedUserIDs,
			GroupHistoryLimit: cfg.Channels.Telegram.GroupHistoryLimit,
			MediaDir:          filepath.Join(cfg.DataDir, "media"),
		}, d.msgBus, d.gate)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		if err := d.manager.Register(tg); err != nil {
			return nil, err
		}
		prompters = append(prompters, tg.PromptApproval)
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(discord.Config{
			Token:          cfg.Channels.Discord.Token,
			ChannelID:      cfg.Channels.Discord.ChannelID,
			AllowedUserIDs: cfg.Channels.Discord.AllowedUserIDs,
		}, d.msgBus, d.gate)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		if err := d.manager.Register(dc); err != nil {
			return nil, err
		}
		prompters = append(prompters, dc.PromptApproval)
	}
	if len(prompters) > 0 {
		d.gate.SetNotifier(func(p *approval.Pending) {
			d.msgBus.Broadcast(bus.Event{
				Kind:       bus.EventApprovalPending,
				SessionKey: p.Proposal.SessionKey,
				Payload:    map[string]interface{}{"id": p.ID, "capability": p.Proposal.Capability},
			})
			for _, prompt := range prompters {
				prompt(p)
			}
		})
	}
	d.manager.StartAll(ctx)

	if cfg.Heartbeat.Enabled {
		d.beat = heartbeat.NewService(heartbeat.Config{
			Cron:        cfg.Heartbeat.Cron,
			ActiveHours: cfg.Heartbeat.ActiveHours,
			SessionKey:  cfg.Heartbeat.Session,
			Target:      cfg.Heartbeat.Target,
			To:          cfg.Heartbeat.To,
			Prompt:      cfg.Heartbeat.Prompt,
			Workspace:   cfg.Workspace,
		}, func(ctx context.Context, sessionKey, message string) (string, error) {
			sess := d.sessions.GetOrCreate(sessionKey)
			reply, err := controller.RunTurn(ctx, sess, message)
			d.commitTurn(sess, message, reply, err)
			return reply, err
		}, d.msgBus, func() (string, string) {
			return d.lastChat.channel, d.lastChat.chatID
		})
		if err := d.beat.Start(); err != nil {
			return nil, fmt.Errorf("heartbeat: %w", err)
		}
	}

	go d.consumeInbound(ctx)

	return d, nil
}

// consumeInbound pulls messages off the bus, dedupes and debounces
// them, and hands them to the per-session scheduler. Burst typers get
// their messages merged into a single turn.
func (d *daemon) consumeInbound(ctx context.Context) {
	defer close(d.consumerC)

	dedupe := bus.NewDedupeCache(10*time.Minute, 4096)
	debouncer := bus.NewInboundDebouncer(
		time.Duration(d.cfg.Scheduler.DebounceMs)*time.Millisecond,
		func(msg bus.InboundMessage) { d.handleInbound(ctx, msg) },
	)
	defer debouncer.Stop()

	for {
		msg, ok := d.msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if msg.MessageID != "" && dedupe.IsDuplicate(msg.Channel+":"+msg.MessageID) {
			slog.Debug("duplicate inbound dropped", "channel", msg.Channel, "message_id", msg.MessageID)
			continue
		}

		d.lastChat.channel = msg.Channel
		d.lastChat.chatID = msg.ChatID

		// Control commands act immediately, skipping the debounce buffer.
		if d.handleControl(msg) {
			continue
		}

		debouncer.Push(msg)
	}
}

// handleControl executes session control commands (/reset, /pin, /unpin,
// /pins) and reports whether the message was consumed.
func (d *daemon) handleControl(msg bus.InboundMessage) bool {
	text := strings.TrimSpace(msg.Content)
	key := agent.SessionKey(msg.Channel, msg.SenderID)
	reply := func(content string) {
		d.msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: content,
		})
	}

	switch {
	case text == "/reset":
		d.sessions.Reset(key)
		reply("Conversation reset.")

	case strings.HasPrefix(text, "/pin "):
		entry, err := d.sessions.GetOrCreate(key).Window.Pin(strings.TrimSpace(strings.TrimPrefix(text, "/pin ")))
		if err != nil {
			reply(fmt.Sprintf("Cannot pin: %v", err))
			return true
		}
		d.sessions.Persist(key)
		reply(fmt.Sprintf("Pinned constraint #%d. It survives compaction until /unpin %d.", entry.Seq, entry.Seq))

	case strings.HasPrefix(text, "/unpin "):
		seq, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(text, "/unpin ")), 10, 64)
		if err != nil {
			reply("Usage: /unpin <number>")
			return true
		}
		if err := d.sessions.GetOrCreate(key).Window.RevokePin(seq); err != nil {
			reply(fmt.Sprintf("Cannot unpin: %v", err))
			return true
		}
		d.sessions.Persist(key)
		reply(fmt.Sprintf("Constraint #%d revoked.", seq))

	case text == "/pins":
		pins := d.sessions.GetOrCreate(key).Window.PinnedConstraints()
		if len(pins) == 0 {
			reply("No pinned constraints.")
			return true
		}
		var b strings.Builder
		b.WriteString("Pinned constraints:\n")
		for _, p := range pins {
			fmt.Fprintf(&b, "#%d: %s\n", p.Seq, p.Text)
		}
		reply(strings.TrimRight(b.String(), "\n"))

	default:
		return false
	}
	return true
}

// commitTurn makes a finished turn durable: the window state is saved
// and the turn lands in the append-only log, so a crash loses at most
// the turn in flight.
func (d *daemon) commitTurn(sess *agent.Session, userText, reply string, turnErr error) {
	d.sessions.Persist(sess.Key)
	status := "ok"
	if turnErr != nil {
		status = "error"
	}
	if err := d.st.AppendTurn(sess.Key, sess.TurnCount, userText, reply, status); err != nil {
		slog.Warn("turn log append failed", "session", sess.Key, "error", err)
	}
}

func (d *daemon) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	sessionKey := agent.SessionKey(msg.Channel, msg.SenderID)

	outcomeCh := d.sched.Schedule(ctx, "main", sessionKey, msg)
	go func() {
		outcome, ok := <-outcomeCh
		if !ok {
			return
		}
		reply := outcome.Reply
		if outcome.Err != nil {
			slog.Error("turn failed", "session", sessionKey, "error", outcome.Err)
			switch {
			case errors.Is(outcome.Err, agent.ErrStepBudgetExceeded):
				// The controller already synthesized a reply for this case.
			case errors.Is(outcome.Err, agent.ErrModelUnavailable):
				reply = "The model is unreachable right now. Try again in a minute."
			default:
				reply = "Something went wrong handling that message."
			}
		}
		d.msgBus.Broadcast(bus.Event{
			Kind:       bus.EventTurnDone,
			SessionKey: sessionKey,
			Payload:    map[string]interface{}{"error": outcome.Err != nil},
		})
		if reply == "" {
			return
		}
		d.msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: reply,
		})
	}()
}

func (d *daemon) shutdown() {
	if d.beat != nil {
		d.beat.Stop()
	}
	if d.cronSvc != nil {
		d.cronSvc.Stop()
	}
	if d.sched != nil {
		d.sched.Stop()
	}
	if d.skillsWt != nil {
		d.skillsWt.Stop()
	}
	if d.tracer != nil {
		d.tracer.Stop()
	}
	if d.sessions != nil {
		d.sessions.Flush()
	}
	if d.msgBus != nil {
		d.msgBus.Close()
	}
	if d.mem != nil {
		d.mem.Close()
	}
	if d.st != nil {
		d.st.Close()
	}
}
