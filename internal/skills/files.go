package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maxagent/maxd/internal/capability"
)

const maxFileReadBytes = 256 * 1024

// FileSkills exposes read, write and list over a confined workspace
// directory. Paths are resolved relative to the workspace root; anything
// escaping it is refused.
type FileSkills struct {
	root string
}

func NewFileSkills(workspace string) (*FileSkills, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &FileSkills{root: abs}, nil
}

// resolve confines a user-supplied path to the workspace root.
func (f *FileSkills) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(f.root, filepath.Clean("/"+rel))
	if full != f.root && !strings.HasPrefix(full, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return full, nil
}

func (f *FileSkills) Read() capability.Capability {
	return capability.Capability{
		Name:        "file_read",
		Provider:    "files",
		Description: "Read a text file from the agent workspace.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Path relative to the workspace root.",
				},
			},
			"required": []interface{}{"path"},
		},
		Reversibility: capability.Reversible,
		Invoke: func(_ context.Context, args map[string]interface{}) (string, error) {
			rel, _ := args["path"].(string)
			full, err := f.resolve(rel)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", rel, err)
			}
			if len(data) > maxFileReadBytes {
				return string(data[:maxFileReadBytes]) + "\n...[truncated]", nil
			}
			return string(data), nil
		},
	}
}

func (f *FileSkills) Write() capability.Capability {
	return capability.Capability{
		Name:        "file_write",
		Provider:    "files",
		Description: "Write a text file inside the agent workspace, creating parent directories.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Path relative to the workspace root.",
				},
				"content": map[string]interface{}{
					"type":        "string",
					"description": "Full file content to write.",
				},
			},
			"required": []interface{}{"path", "content"},
		},
		Reversibility: capability.Reversible,
		Invoke: func(_ context.Context, args map[string]interface{}) (string, error) {
			rel, _ := args["path"].(string)
			content, _ := args["content"].(string)
			full, err := f.resolve(rel)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return "", fmt.Errorf("create parent: %w", err)
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return "", fmt.Errorf("write %s: %w", rel, err)
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
		},
	}
}

func (f *FileSkills) List() capability.Capability {
	return capability.Capability{
		Name:        "file_list",
		Provider:    "files",
		Description: "List files under a workspace directory.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": `Directory relative to the workspace root. Defaults to ".".`,
				},
			},
		},
		Reversibility: capability.Reversible,
		Invoke: func(_ context.Context, args map[string]interface{}) (string, error) {
			rel, _ := args["path"].(string)
			if rel == "" {
				rel = "."
			}
			full, err := f.resolve(rel)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(full)
			if err != nil {
				return "", fmt.Errorf("list %s: %w", rel, err)
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) == 0 {
				return "(empty)", nil
			}
			return strings.Join(names, "\n"), nil
		},
	}
}

// Delete removes a file. Deletion cannot be undone, so it is classified
// irreversible and held in strict and permissive modes alike.
func (f *FileSkills) Delete() capability.Capability {
	return capability.Capability{
		Name:        "file_delete",
		Provider:    "files",
		Description: "Delete a file inside the agent workspace.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Path relative to the workspace root.",
				},
			},
			"required": []interface{}{"path"},
		},
		Reversibility: capability.Irreversible,
		Invoke: func(_ context.Context, args map[string]interface{}) (string, error) {
			rel, _ := args["path"].(string)
			full, err := f.resolve(rel)
			if err != nil {
				return "", err
			}
			if err := os.Remove(full); err != nil {
				return "", fmt.Errorf("delete %s: %w", rel, err)
			}
			return fmt.Sprintf("deleted %s", rel), nil
		},
	}
}
