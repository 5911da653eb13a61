package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maxagent/maxd/internal/config"
	"github.com/maxagent/maxd/internal/memory"
	"github.com/maxagent/maxd/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that maxd is configured and able to run",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	failed := 0
	check := func(name string, err error) {
		if err != nil {
			failed++
			fmt.Printf("  ✗ %s: %v\n", name, err)
			return
		}
		fmt.Printf("  ✓ %s\n", name)
	}

	fmt.Println("Checking maxd setup...")

	cfgPath, err := config.FindConfig(configFlag)
	check("config file", err)
	if err != nil {
		fmt.Println("\nRun `maxd init` to create one.")
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	check("config valid", err)
	if err != nil {
		os.Exit(1)
	}

	check("data dir writable", checkDirWritable(cfg.DataDir))
	check("workspace writable", checkDirWritable(cfg.Workspace))

	if cfg.Agent.APIKey == "" {
		check("model API key", fmt.Errorf("agent.api_key is empty"))
	} else {
		check("model API key", nil)
	}

	if st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN); err != nil {
		check("session store", err)
	} else {
		st.Close()
		check("session store", nil)
	}

	if mem, err := memory.Open(cfg.Memory.Path); err != nil {
		check("memory store", err)
	} else {
		mem.Close()
		check("memory store", nil)
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		check("telegram token", fmt.Errorf("channels.telegram.token is empty"))
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		check("discord token", fmt.Errorf("channels.discord.token is empty"))
	}

	if failed > 0 {
		fmt.Printf("\n%d check(s) failed.\n", failed)
		os.Exit(1)
	}
	fmt.Println("\nAll checks passed.")
}

func checkDirWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	probe.Close()
	return os.Remove(probe.Name())
}
