package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/maxagent/maxd/internal/capability"
	"github.com/maxagent/maxd/internal/memory"
)

const defaultRecallLimit = 5

// MemorySkills exposes the long-term memory store as capabilities. Every
// invocation is scoped to the user carried on the dispatch context, so
// one user can never recall another's memories.
type MemorySkills struct {
	store *memory.Store
}

func NewMemorySkills(store *memory.Store) *MemorySkills {
	return &MemorySkills{store: store}
}

// Store persists a durable fact about the user or their preferences.
func (m *MemorySkills) Store() capability.Capability {
	return capability.Capability{
		Name:        "memory_store",
		Provider:    "memory",
		Description: "Save a durable fact, preference or note to long-term memory for later recall.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"content": map[string]interface{}{
					"type":        "string",
					"description": "The fact to remember, phrased so it makes sense out of context.",
				},
				"tags": map[string]interface{}{
					"type":        "string",
					"description": "Optional comma-separated tags for grouping.",
				},
			},
			"required": []string{"content"},
		},
		Reversibility: capability.Reversible,
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			userID := capability.UserFromContext(ctx)
			if userID == "" {
				return "", fmt.Errorf("no user bound to this invocation")
			}
			content, _ := args["content"].(string)
			if strings.TrimSpace(content) == "" {
				return "", fmt.Errorf("content is required")
			}
			var tags []string
			if raw, ok := args["tags"].(string); ok && raw != "" {
				for _, t := range strings.Split(raw, ",") {
					if t = strings.TrimSpace(t); t != "" {
						tags = append(tags, t)
					}
				}
			}
			id, err := m.store.Save(userID, content, tags)
			if err != nil {
				return "", fmt.Errorf("save memory: %w", err)
			}
			return fmt.Sprintf("remembered (id %s)", id), nil
		},
	}
}

// Recall searches stored memories, falling back to the most recent
// entries when nothing matches.
func (m *MemorySkills) Recall() capability.Capability {
	return capability.Capability{
		Name:        "memory_recall",
		Provider:    "memory",
		Description: "Search long-term memory for facts relevant to a query.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Free-text search query.",
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum results to return (default 5).",
				},
			},
			"required": []string{"query"},
		},
		Reversibility: capability.Reversible,
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			userID := capability.UserFromContext(ctx)
			if userID == "" {
				return "", fmt.Errorf("no user bound to this invocation")
			}
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return "", fmt.Errorf("query is required")
			}
			limit := defaultRecallLimit
			if l, ok := args["limit"].(float64); ok && int(l) > 0 {
				limit = int(l)
			}
			results, err := m.store.Search(userID, query, limit)
			if err != nil {
				return "", fmt.Errorf("search memory: %w", err)
			}
			if len(results) == 0 {
				return "no stored memories", nil
			}
			var sb strings.Builder
			for i, r := range results {
				fmt.Fprintf(&sb, "%d. %s", i+1, r.Content)
				if len(r.Tags) > 0 {
					fmt.Fprintf(&sb, " [%s]", strings.Join(r.Tags, ", "))
				}
				fmt.Fprintf(&sb, " (id %s)\n", r.ID)
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}

// Forget deletes a memory by id.
func (m *MemorySkills) Forget() capability.Capability {
	return capability.Capability{
		Name:        "memory_forget",
		Provider:    "memory",
		Description: "Delete a stored memory by its id.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id": map[string]interface{}{
					"type":        "string",
					"description": "Memory id as returned by memory_store or memory_recall.",
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
			if err := m.store.Delete(id); err != nil {
				return "", fmt.Errorf("delete memory: %w", err)
			}
			return "forgotten", nil
		},
	}
}
