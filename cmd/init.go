package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/maxagent/maxd/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup — configure provider, model, channels",
		Run: func(cmd *cobra.Command, args []string) {
			runInit()
		},
	}
}

type providerPreset struct {
	apiBase   string
	modelHint string
	keyHint   string
}

var providerPresets = map[string]providerPreset{
	"openai":     {"", "gpt-4o", "https://platform.openai.com/api-keys"},
	"openrouter": {"https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4-5", "https://openrouter.ai/keys"},
	"deepseek":   {"https://api.deepseek.com/v1", "deepseek-chat", "https://platform.deepseek.com"},
	"groq":       {"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile", "https://console.groq.com/keys"},
	"ollama":     {"http://localhost:11434/v1", "llama3.3", ""},
	"custom":     {"", "", ""},
}

func runInit() {
	fmt.Println("maxd setup")
	fmt.Println()

	cfgPath := initConfigPath()

	cfg := config.Default()
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Found existing config at %s\n", cfgPath)
		useExisting, err := promptConfirm("Use existing config as base?", true)
		if err != nil {
			fmt.Println("Cancelled.")
			return
		}
		if useExisting {
			if loaded, err := config.Load(cfgPath); err == nil {
				cfg = loaded
			} else {
				fmt.Printf("Warning: could not load existing config: %v\n", err)
			}
		}
	}

	// Provider
	provider, err := promptSelect("AI provider", []SelectOption[string]{
		{"OpenAI      (GPT models)", "openai"},
		{"OpenRouter  (many models, one key)", "openrouter"},
		{"DeepSeek", "deepseek"},
		{"Groq        (fast inference)", "groq"},
		{"Ollama      (local models)", "ollama"},
		{"Custom      (any OpenAI-compatible endpoint)", "custom"},
	}, 0)
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}
	preset := providerPresets[provider]

	apiBase := preset.apiBase
	if provider == "custom" {
		apiBase, err = promptString("API base URL", "OpenAI-compatible endpoint (e.g. vLLM, LiteLLM)", cfg.Agent.APIBase)
		if err != nil {
			fmt.Println("Cancelled.")
			return
		}
	}

	apiKey := ""
	if provider != "ollama" {
		desc := "Stored in the config file; use ${MAXD_API_KEY} to read it from the environment instead"
		if preset.keyHint != "" {
			desc = "Get yours at " + preset.keyHint + ". " + desc
		}
		apiKey, err = promptPassword("API key", desc)
		if err != nil {
			fmt.Println("Cancelled.")
			return
		}
		if apiKey == "" && cfg.Agent.Provider == provider {
			apiKey = cfg.Agent.APIKey // keep existing
		}
	}

	modelDefault := cfg.Agent.Model
	if cfg.Agent.Provider != provider || modelDefault == "" {
		modelDefault = preset.modelHint
	}
	model, err := promptString("Model", "Model ID for the agent loop", modelDefault)
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	// Approval
	approvalMode, err := promptSelect("Approval mode", []SelectOption[string]{
		{"Strict      (every capability asks first)", "strict"},
		{"Permissive  (reversible actions run without asking)", "permissive"},
	}, 0)
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	// Telegram
	telegramEnabled, err := promptConfirm("Enable the Telegram channel?", cfg.Channels.Telegram.Enabled)
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}
	telegramToken := cfg.Channels.Telegram.Token
	if telegramEnabled {
		tok, err := promptPassword("Telegram bot token", "Get one from @BotFather; leave empty to keep the existing token")
		if err != nil {
			fmt.Println("Cancelled.")
			return
		}
		if tok != "" {
			telegramToken = tok
		}
		if telegramToken == "" {
			fmt.Println("No token provided; Telegram will stay disabled.")
			telegramEnabled = false
		}
	}

	// Discord
	discordEnabled, err := promptConfirm("Enable the Discord channel?", cfg.Channels.Discord.Enabled)
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}
	discordToken := cfg.Channels.Discord.Token
	if discordEnabled {
		tok, err := promptPassword("Discord bot token", "From the Discord developer portal; leave empty to keep the existing token")
		if err != nil {
			fmt.Println("Cancelled.")
			return
		}
		if tok != "" {
			discordToken = tok
		}
		if discordToken == "" {
			fmt.Println("No token provided; Discord will stay disabled.")
			discordEnabled = false
		}
	}

	// Heartbeat
	heartbeat, err := promptConfirm("Enable hourly heartbeat (agent checks HEARTBEAT.md on its own)?", cfg.Heartbeat.Enabled)
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	cfg.Agent.Provider = provider
	cfg.Agent.Model = model
	cfg.Agent.APIKey = apiKey
	cfg.Agent.APIBase = apiBase
	cfg.Approval.Mode = approvalMode
	cfg.Channels.CLI = true
	cfg.Channels.Telegram.Enabled = telegramEnabled
	cfg.Channels.Telegram.Token = telegramToken
	cfg.Channels.Discord.Enabled = discordEnabled
	cfg.Channels.Discord.Token = discordToken
	cfg.Heartbeat.Enabled = heartbeat

	if err := os.MkdirAll(cfg.Workspace, 0755); err != nil {
		fmt.Printf("Warning: could not create workspace: %v\n", err)
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Config saved to %s\n", cfgPath)
	fmt.Printf("  Provider:  %s\n", cfg.Agent.Provider)
	fmt.Printf("  Model:     %s\n", cfg.Agent.Model)
	fmt.Printf("  Approval:  %s\n", cfg.Approval.Mode)
	fmt.Printf("  Workspace: %s\n", cfg.Workspace)
	fmt.Println()
	fmt.Println("Run `maxd` to start the daemon, or `maxd chat` to talk directly.")
}

// initConfigPath picks where init writes: --config if given, an existing
// config if one is found, otherwise ~/.maxd/config.yaml.
func initConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if p, err := config.FindConfig(""); err == nil {
		return p
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".maxd", "config.yaml")
	}
	return "maxd.yaml"
}
