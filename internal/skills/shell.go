package skills

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/maxagent/maxd/internal/capability"
)

// maxShellOutputBytes is the truncation limit for command output.
const maxShellOutputBytes = 16 * 1024

// ShellExec runs a command in the workspace. Commands are parsed with
// shell word splitting but executed directly, without a shell, so there is
// no pipe or redirection support and no injection surface. Classified
// irreversible: every invocation goes through the confirmation gate
// unless the user allow-always'd it.
func ShellExec(workspace string) capability.Capability {
	return capability.Capability{
		Name:        "shell_exec",
		Provider:    "shell",
		Description: "Run a command in the agent workspace and return its combined output.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": `Command line to run, e.g. "ls -la".`,
				},
			},
			"required": []interface{}{"command"},
		},
		Reversibility: capability.Irreversible,
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			command, _ := args["command"].(string)
			if strings.TrimSpace(command) == "" {
				return "", fmt.Errorf("command is required")
			}

			words, err := shellwords.Parse(command)
			if err != nil {
				return "", fmt.Errorf("parse command: %w", err)
			}
			if len(words) == 0 {
				return "", fmt.Errorf("empty command")
			}

			cmd := exec.CommandContext(ctx, words[0], words[1:]...)
			cmd.Dir = workspace
			out, err := cmd.CombinedOutput()
			result := truncateOutput(string(out))
			if err != nil {
				if result == "" {
					return "", fmt.Errorf("run %s: %w", words[0], err)
				}
				return fmt.Sprintf("%s\n[exited with error: %v]", result, err), nil
			}
			if result == "" {
				return "(no output)", nil
			}
			return result, nil
		},
	}
}

func truncateOutput(s string) string {
	if len(s) <= maxShellOutputBytes {
		return strings.TrimRight(s, "\n")
	}
	return s[:maxShellOutputBytes] + "...[truncated]"
}
