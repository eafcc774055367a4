// Package skills loads markdown skill files (YAML frontmatter + body) and
// matches them to tasks so the engine can inject relevant guidance into the
// system prompt.
package skills

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// maxSkillSize caps one SKILL.md file at 1 MiB.
const maxSkillSize = 1 << 20

// Metadata is a skill's frontmatter.
type Metadata struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	ToolsRequired []string `yaml:"tools_required"`
	Tags          []string `yaml:"tags"`
	Version       string   `yaml:"version"`
	Priority      string   `yaml:"priority"` // low | medium | high
}

// Skill is one loaded skill: frontmatter plus the markdown body.
type Skill struct {
	Metadata
	Content string
	Path    string
}

// Config controls discovery and prompt injection.
type Config struct {
	Enabled       bool     `yaml:"enabled"`
	Dirs          []string `yaml:"dirs"`
	MaxAutoInject int      `yaml:"max_auto_inject"`
}

// DefaultConfig discovers from ./skills and injects at most three skills.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Dirs:          []string{"./skills"},
		MaxAutoInject: 3,
	}
}

// Parse reads frontmatter delimited by --- lines and validates it.
// Version and priority default when absent.
func Parse(data []byte) (Skill, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return Skill{}, errors.New("missing frontmatter: expected leading --- delimiter")
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return Skill{}, errors.New("missing frontmatter: no closing --- delimiter")
	}
	front := rest[:end]
	body := rest[end+len("\n---"):]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}

	var meta Metadata
	if err := yaml.Unmarshal([]byte(front), &meta); err != nil {
		return Skill{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return Skill{}, errors.New("skill name is required")
	}
	if strings.TrimSpace(meta.Description) == "" {
		return Skill{}, errors.New("skill description is required")
	}
	if meta.Version == "" {
		meta.Version = "1.0.0"
	}
	meta.Priority = strings.ToLower(meta.Priority)
	switch meta.Priority {
	case "":
		meta.Priority = "medium"
	case "low", "medium", "high":
	default:
		return Skill{}, fmt.Errorf("invalid skill priority %q", meta.Priority)
	}

	return Skill{Metadata: meta, Content: strings.TrimSpace(body)}, nil
}

// canonicalKey is the collision key for skill names.
func canonicalKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Registry indexes skills by name, tag, and required tool.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]Skill
	byTag  map[string][]string
	byTool map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAutoInject <= 0 {
		cfg.MaxAutoInject = DefaultConfig().MaxAutoInject
	}
	return &Registry{
		cfg:    cfg,
		logger: logger,
		skills: make(map[string]Skill),
		byTag:  make(map[string][]string),
		byTool: make(map[string][]string),
	}
}

// Discover scans the configured directories for SKILL.md files, both at the
// directory root and one level down. Earlier directories win name collisions.
// Individual file failures are logged and joined into the returned error;
// discovery continues past them.
func (r *Registry) Discover() error {
	if !r.cfg.Enabled {
		return nil
	}

	var errs []error
	seen := make(map[string]string) // canonical name -> winning path this scan
	for _, dir := range r.cfg.Dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		base, err := filepath.Abs(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("abs skills dir (%s): %w", dir, err))
			continue
		}
		candidates := []string{filepath.Join(base, "SKILL.md")}
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("read skills dir (%s): %w", base, err))
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, ent := range entries {
			if ent.IsDir() {
				candidates = append(candidates, filepath.Join(base, ent.Name(), "SKILL.md"))
			}
		}

		for _, path := range candidates {
			s, err := r.loadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				errs = append(errs, fmt.Errorf("load skill (%s): %w", path, err))
				continue
			}
			key := canonicalKey(s.Name)
			if winner, ok := seen[key]; ok {
				r.logger.Info("skill collision: keeping earlier source",
					"skill", s.Name, "kept", winner, "skipped", path)
				continue
			}
			seen[key] = path
			r.Register(s)
		}
	}

	r.logger.Info("skill discovery complete", "skills", r.Len())
	return errors.Join(errs...)
}

func (r *Registry) loadFile(path string) (Skill, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Skill{}, err
	}
	if fi.Size() > maxSkillSize {
		return Skill{}, fmt.Errorf("SKILL.md too large: %d bytes (max %d)", fi.Size(), maxSkillSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}
	s, err := Parse(data)
	if err != nil {
		return Skill{}, err
	}
	s.Path = path
	return s, nil
}

// Register adds or replaces a skill and reindexes it.
func (r *Registry) Register(s Skill) {
	key := canonicalKey(s.Name)
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.skills[key]; ok {
		r.dropIndexes(old)
		r.logger.Warn("overwriting existing skill", "skill", s.Name)
	}
	r.skills[key] = s
	for _, tag := range s.Tags {
		r.byTag[tag] = append(r.byTag[tag], key)
	}
	for _, tool := range s.ToolsRequired {
		r.byTool[tool] = append(r.byTool[tool], key)
	}
	r.logger.Debug("skill registered", "skill", s.Name, "tags", s.Tags)
}

// Unregister removes a skill; unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	key := canonicalKey(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.skills[key]
	if !ok {
		return
	}
	r.dropIndexes(s)
	delete(r.skills, key)
}

// dropIndexes removes s from the tag and tool indexes. Caller holds the lock.
func (r *Registry) dropIndexes(s Skill) {
	key := canonicalKey(s.Name)
	for _, tag := range s.Tags {
		r.byTag[tag] = remove(r.byTag[tag], key)
	}
	for _, tool := range s.ToolsRequired {
		r.byTool[tool] = remove(r.byTool[tool], key)
	}
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

// Get looks up a skill by name, case-insensitively.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[canonicalKey(name)]
	return s, ok
}

// List returns all skills sorted by name.
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered skills.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skills)
}

// ForTask recommends skills for a task: keyword matches against name and
// description, plus skills requiring any of the available tools. Results
// are ordered high, medium, low, with name as the tiebreak.
func (r *Registry) ForTask(taskText string, availableTools []string) []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make(map[string]Skill)
	for _, kw := range keywords(taskText) {
		for key, s := range r.skills {
			haystack := strings.ToLower(s.Name + " " + s.Description)
			if strings.Contains(haystack, kw) {
				matched[key] = s
			}
		}
	}
	for _, tool := range availableTools {
		for _, key := range r.byTool[tool] {
			matched[key] = r.skills[key]
		}
	}

	out := make([]Skill, 0, len(matched))
	for _, s := range matched {
		out = append(out, s)
	}
	rank := map[string]int{"high": 0, "medium": 1, "low": 2}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].Priority] != rank[out[j].Priority] {
			return rank[out[i].Priority] < rank[out[j].Priority]
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// keywords extracts candidate search terms: lowercase words longer than
// three characters with surrounding punctuation stripped.
func keywords(text string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:")
		if len(w) > 3 {
			out = append(out, w)
		}
	}
	return out
}

// Instructions renders the prompt section for the skills matched to the
// task, capped at the configured injection limit. Empty when disabled or
// nothing matches.
func (r *Registry) Instructions(taskText string, availableTools []string) string {
	if !r.cfg.Enabled || strings.TrimSpace(taskText) == "" {
		return ""
	}
	matched := r.ForTask(taskText, availableTools)
	if len(matched) > r.cfg.MaxAutoInject {
		matched = matched[:r.cfg.MaxAutoInject]
	}
	return render(matched)
}

// Named renders the prompt section for one skill by name, ignoring matching.
// Used when a subagent is spawned with an explicit skill.
func (r *Registry) Named(name string) string {
	if !r.cfg.Enabled {
		return ""
	}
	s, ok := r.Get(name)
	if !ok {
		r.logger.Warn("requested skill not found", "skill", name)
		return ""
	}
	return render([]Skill{s})
}

func render(matched []Skill) string {
	if len(matched) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Available Skills\n\n")
	b.WriteString("The following skills are available to guide your work:\n\n")
	for _, s := range matched {
		fmt.Fprintf(&b, "## %s\n%s\n\n%s\n\n---\n\n", s.Name, s.Description, s.Content)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
