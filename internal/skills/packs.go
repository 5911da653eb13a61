package skills

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/maxagent/maxd/internal/capability"
)

// PackSkills exposes SKILL.md knowledge packs to the model, so it can
// search for and pull in specialized instructions on demand instead of
// carrying every pack in the system prompt.
type PackSkills struct {
	loader *Loader
	index  *Index

	// index rebuilt lazily when the loader version moves
	mu           sync.Mutex
	builtVersion int64
}

func NewPackSkills(loader *Loader) *PackSkills {
	return &PackSkills{loader: loader, index: NewIndex(), builtVersion: -1}
}

func (p *PackSkills) ensureIndex() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v := p.loader.Version(); v != p.builtVersion {
		p.index.Build(p.loader.ListSkills())
		p.builtVersion = v
	}
}

func (p *PackSkills) Search() capability.Capability {
	return capability.Capability{
		Name:        "skill_search",
		Provider:    "skills",
		Description: "Search installed skill packs by topic. Returns pack names to load with skill_load.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Topic or task to find a skill pack for.",
				},
			},
			"required": []string{"query"},
		},
		Reversibility: capability.Reversible,
		Invoke: func(_ context.Context, args map[string]interface{}) (string, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return "", fmt.Errorf("query is required")
			}
			p.ensureIndex()
			results := p.index.Search(query, 5)
			if len(results) == 0 {
				return "no matching skill packs", nil
			}
			var sb strings.Builder
			for i, r := range results {
				fmt.Fprintf(&sb, "%d. %s (%s) — %s\n", i+1, r.Name, r.Source, r.Description)
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}

func (p *PackSkills) Load() capability.Capability {
	return capability.Capability{
		Name:        "skill_load",
		Provider:    "skills",
		Description: "Load the full instructions of a skill pack by name.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Skill pack name as listed by skill_search.",
				},
			},
			"required": []string{"name"},
		},
		Reversibility: capability.Reversible,
		Invoke: func(_ context.Context, args map[string]interface{}) (string, error) {
			name, _ := args["name"].(string)
			if name == "" {
				return "", fmt.Errorf("name is required")
			}
			content, ok := p.loader.LoadSkill(name)
			if !ok {
				return "", fmt.Errorf("no skill pack named %q", name)
			}
			return content, nil
		},
	}
}
