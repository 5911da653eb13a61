package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maxagent/maxd/internal/agent"
	"github.com/maxagent/maxd/internal/approval"
	"github.com/maxagent/maxd/internal/capability"
	"github.com/maxagent/maxd/internal/config"
	"github.com/maxagent/maxd/internal/contextwin"
	"github.com/maxagent/maxd/internal/cron"
	"github.com/maxagent/maxd/internal/dispatch"
	"github.com/maxagent/maxd/internal/memory"
	"github.com/maxagent/maxd/internal/providers"
	"github.com/maxagent/maxd/internal/skills"
	"github.com/maxagent/maxd/internal/store"
)

func chatCmd() *cobra.Command {
	var sessionName string
	var oneShot string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal (no daemon needed)",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(sessionName, oneShot)
		},
	}
	cmd.Flags().StringVar(&sessionName, "session", "", "session name (default \"default\")")
	cmd.Flags().StringVarP(&oneShot, "message", "m", "", "send one message and exit")
	return cmd
}

func runChat(sessionName, oneShot string) {
	cfg := mustLoadConfig()
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionKey := "cli:" + config.NormalizeSessionID(sessionName)

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	mem, err := memory.Open(cfg.Memory.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer mem.Close()

	provider := providers.NewOpenAIProvider(cfg.Agent.Provider, cfg.Agent.APIKey, cfg.Agent.APIBase)
	weigher := contextwin.NewWeigher()
	summarizer := &contextwin.ModelSummarizer{Provider: provider, Model: cfg.Agent.Model}
	winCfg := contextwin.Config{
		Budget:              cfg.Context.Budget,
		SummaryReserve:      cfg.Context.SummaryReserve,
		InteractiveOverhead: cfg.Context.InteractiveOverhead,
	}

	loader := skills.NewLoader(cfg.Workspace, cfg.Skills.GlobalDir, cfg.Skills.BuiltinDir)
	sessions, err := agent.NewSessionManager(cfg.Agent.MaxSessions, st,
		func(key string) *contextwin.Window {
			w := contextwin.New(winCfg, weigher, summarizer)
			pinBootstrap(w, cfg, loader)
			w.OnSummary = summaryRecorder(mem, key)
			return w
		},
		func(key string, state contextwin.State) *contextwin.Window {
			w := contextwin.Restore(winCfg, weigher, summarizer, state)
			w.OnSummary = summaryRecorder(mem, key)
			return w
		},
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer sessions.Flush()

	registry := capability.NewRegistry()
	if err := skills.RegisterBuiltins(registry, skills.Options{
		Workspace: cfg.Workspace,
		Memory:    mem,
		Packs:     loader,
		Scheduler: cron.NewService(filepath.Join(cfg.DataDir, "jobs.json"), nil),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	gate := approval.NewGate(approval.Policy{
		Mode:    approval.Mode(cfg.Approval.Mode),
		Timeout: cfg.Approval.Timeout(),
	})
	gate.SetNotifier(terminalApprovalPrompt(gate))

	controller := agent.NewController(agent.ControllerConfig{
		Provider:   provider,
		Model:      cfg.Agent.Model,
		Registry:   registry,
		Gate:       gate,
		Dispatcher: dispatch.New(registry),
		MaxSteps:   cfg.Agent.MaxSteps,
		Audit:      st,
	})
	controller.OnUtterance = func(_, text string) {
		fmt.Println(text)
	}

	sess := sessions.GetOrCreate(sessionKey)

	if oneShot != "" {
		reply, err := controller.RunTurn(ctx, sess, oneShot)
		sessions.Persist(sessionKey)
		logTurn(st, sess, oneShot, reply, err)
		if err != nil {
			if reply != "" {
				fmt.Println(reply)
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(reply)
		return
	}

	fmt.Printf("Chatting as %s. /reset clears history, /pin <text> pins a constraint, Ctrl-D quits.\n", sessionKey)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/reset" {
			sessions.Reset(sessionKey)
			sess = sessions.GetOrCreate(sessionKey)
			fmt.Println("Conversation reset.")
			continue
		}
		if strings.HasPrefix(line, "/pin ") {
			entry, err := sess.Window.Pin(strings.TrimSpace(strings.TrimPrefix(line, "/pin ")))
			if err != nil {
				fmt.Fprintf(os.Stderr, "cannot pin: %v\n", err)
				continue
			}
			sessions.Persist(sessionKey)
			fmt.Printf("Pinned constraint #%d.\n", entry.Seq)
			continue
		}
		if strings.HasPrefix(line, "/unpin ") {
			seq, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "/unpin ")), 10, 64)
			if err != nil {
				fmt.Println("Usage: /unpin <number>")
				continue
			}
			if err := sess.Window.RevokePin(seq); err != nil {
				fmt.Fprintf(os.Stderr, "cannot unpin: %v\n", err)
				continue
			}
			sessions.Persist(sessionKey)
			fmt.Printf("Constraint #%d revoked.\n", seq)
			continue
		}
		if line == "/pins" {
			pins := sess.Window.PinnedConstraints()
			if len(pins) == 0 {
				fmt.Println("No pinned constraints.")
				continue
			}
			for _, p := range pins {
				fmt.Printf("#%d: %s\n", p.Seq, p.Text)
			}
			continue
		}

		reply, err := controller.RunTurn(ctx, sess, line)
		sessions.Persist(sessionKey)
		logTurn(st, sess, line, reply, err)
		if err != nil {
			if reply != "" {
				fmt.Println(reply)
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		fmt.Println(reply)
	}
}

// logTurn appends a finished chat turn to the store's turn log.
func logTurn(st *store.Store, sess *agent.Session, userText, reply string, turnErr error) {
	status := "ok"
	if turnErr != nil {
		status = "error"
	}
	if err := st.AppendTurn(sess.Key, sess.TurnCount, userText, reply, status); err != nil {
		fmt.Fprintf(os.Stderr, "warning: turn log append failed: %v\n", err)
	}
}

// terminalApprovalPrompt asks for y/n on stdin when the gate holds a
// proposal during a terminal chat.
func terminalApprovalPrompt(gate *approval.Gate) approval.Notifier {
	return func(p *approval.Pending) {
		go func() {
			fmt.Printf("\nApprove %s? [y/N/a(lways)] ", p.Proposal.Capability)
			var answer string
			fmt.Scanln(&answer)

			decision := approval.DecisionReject
			switch strings.ToLower(strings.TrimSpace(answer)) {
			case "y", "yes":
				decision = approval.DecisionApprove
			case "a", "always":
				decision = approval.DecisionAllowAlways
			}
			if err := gate.Resolve(p.ID, decision, "cli:local"); err != nil {
				fmt.Fprintf(os.Stderr, "approval: %v\n", err)
			}
		}()
	}
}
