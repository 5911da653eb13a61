package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// skillFileName is the manifest every pack directory must contain.
const skillFileName = "SKILL.md"

// Metadata holds parsed SKILL.md frontmatter.
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Info describes a discovered skill pack.
type Info struct {
	Name        string `json:"name"`
	Path        string `json:"path"`    // absolute path to SKILL.md
	BaseDir     string `json:"baseDir"` // skill directory (parent of SKILL.md)
	Source      string `json:"source"`  // "workspace", "global", "builtin"
	Description string `json:"description"`
}

// skillSource pairs a search directory with its priority label.
type skillSource struct {
	dir  string
	name string
}

// Loader discovers SKILL.md knowledge packs across the workspace,
// global, and builtin directories. Earlier sources shadow later ones by
// pack directory name.
type Loader struct {
	sources []skillSource

	mu    sync.RWMutex
	cache map[string]*Info

	// Bumped by the watcher on SKILL.md changes; consumers compare to
	// detect staleness.
	version atomic.Int64
}

func NewLoader(workspace, globalSkills, builtinSkills string) *Loader {
	l := &Loader{cache: make(map[string]*Info)}
	if workspace != "" {
		l.sources = append(l.sources, skillSource{filepath.Join(workspace, "skills"), "workspace"})
	}
	if globalSkills != "" {
		l.sources = append(l.sources, skillSource{globalSkills, "global"})
	}
	if builtinSkills != "" {
		l.sources = append(l.sources, skillSource{builtinSkills, "builtin"})
	}
	return l
}

// ListSkills scans every source directory and returns the available
// packs, higher-priority sources first.
func (l *Loader) ListSkills() []Info {
	l.mu.Lock()
	defer l.mu.Unlock()

	var packs []Info
	seen := make(map[string]bool)
	for _, src := range l.sources {
		entries, err := os.ReadDir(src.dir)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			if !ent.IsDir() || seen[ent.Name()] {
				continue
			}
			info, ok := l.describe(src, ent.Name())
			if !ok {
				continue
			}
			packs = append(packs, info)
			seen[ent.Name()] = true
			l.cache[ent.Name()] = &info
		}
	}
	return packs
}

// describe builds the Info for one pack directory, reading its
// frontmatter if the manifest exists.
func (l *Loader) describe(src skillSource, dirName string) (Info, bool) {
	manifest := filepath.Join(src.dir, dirName, skillFileName)
	data, err := os.ReadFile(manifest)
	if err != nil {
		return Info{}, false
	}

	info := Info{
		Name:    dirName,
		Path:    manifest,
		BaseDir: filepath.Join(src.dir, dirName),
		Source:  src.name,
	}

	fm, _ := splitFrontmatter(string(data))
	if fm != "" {
		var meta Metadata
		if err := yaml.Unmarshal([]byte(fm), &meta); err == nil {
			info.Description = meta.Description
			if meta.Name != "" {
				info.Name = meta.Name
			}
		}
	}
	return info, true
}

// LoadSkill reads a pack's content by name with the frontmatter
// stripped and the {baseDir} placeholder expanded to the pack's
// directory.
func (l *Loader) LoadSkill(name string) (string, bool) {
	for _, src := range l.sources {
		data, err := os.ReadFile(filepath.Join(src.dir, name, skillFileName))
		if err != nil {
			continue
		}
		_, body := splitFrontmatter(string(data))
		return strings.ReplaceAll(body, "{baseDir}", filepath.Join(src.dir, name)), true
	}
	return "", false
}

// BuildSummary returns a compact XML listing of the available packs,
// cheap enough to inject into every system prompt.
func (l *Loader) BuildSummary() string {
	all := l.ListSkills()
	if len(all) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, s := range all {
		fmt.Fprintf(&b, "  <skill>\n    <name>%s</name>\n    <description>%s</description>\n  </skill>\n",
			escapeXML(s.Name), escapeXML(s.Description))
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// Version returns the current snapshot version; consumers compare it to
// a cached value to detect changes.
func (l *Loader) Version() int64 {
	return l.version.Load()
}

// BumpVersion is called by the watcher when a SKILL.md changes.
func (l *Loader) BumpVersion() {
	l.version.Store(time.Now().UnixMilli())
}

// Dirs returns the source directories for the watcher.
func (l *Loader) Dirs() []string {
	dirs := make([]string, 0, len(l.sources))
	for _, src := range l.sources {
		dirs = append(dirs, src.dir)
	}
	return dirs
}

// GetSkill returns info about a specific pack.
func (l *Loader) GetSkill(name string) (*Info, bool) {
	l.ListSkills()

	l.mu.RLock()
	defer l.mu.RUnlock()
	info, ok := l.cache[name]
	return info, ok
}

// splitFrontmatter separates a leading YAML frontmatter block from the
// markdown body. Without a frontmatter block the whole content is the
// body.
func splitFrontmatter(content string) (fm, body string) {
	rest, found := strings.CutPrefix(content, "---\n")
	if !found {
		return "", content
	}
	fm, body, found = strings.Cut(rest, "\n---")
	if !found {
		return "", content
	}
	return fm, strings.TrimPrefix(body, "\n")
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
