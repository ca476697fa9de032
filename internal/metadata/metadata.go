// Package metadata implements the Metadata Extractor (spec.md §4.2): it
// reads a resource file's frontmatter or JSON body and returns its
// declared dependency specs and templating flag.
package metadata

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/agpm-dev/agpm/internal/model"
	"github.com/agpm-dev/agpm/internal/xlog"
)

var log = xlog.New("metadata")

// DependencySpec is a dependency declaration embedded in a resource
// file's own metadata (spec.md §3).
type DependencySpec struct {
	Path    string `yaml:"path" json:"path"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	Tool    string `yaml:"tool,omitempty" json:"tool,omitempty"`
	Install *bool  `yaml:"install,omitempty" json:"install,omitempty"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
}

// InstallEnabled reports the effective install flag; absent ⇒ true.
func (d DependencySpec) InstallEnabled() bool {
	return d.Install == nil || *d.Install
}

// Result is what extraction returns: declared transitive dependencies,
// grouped by resource type, plus whether templating applies.
type Result struct {
	Dependencies map[model.ResourceType][]DependencySpec
	Templating   bool
	Body         string // content after the frontmatter block (or the whole file when there is none)

	// Frontmatter and HasFrontmatter let a caller reassemble the original
	// file shape (fence + frontmatter + body) for patching/writing, since
	// Body alone discards the fence entirely.
	Frontmatter    string
	HasFrontmatter bool
}

type agpmSection struct {
	Templating   bool                                `yaml:"templating" json:"templating"`
	Dependencies map[string][]DependencySpec          `yaml:"dependencies" json:"dependencies"`
}

type frontmatterDoc struct {
	Dependencies map[string][]DependencySpec `yaml:"dependencies" json:"dependencies"`
	AGPM         *agpmSection                `yaml:"agpm" json:"agpm"`
}

// WarningTracker deduplicates parse warnings for one resolver/install
// operation so transitive re-parsing of the same file doesn't spam the
// user, per spec.md §4.2's "Warning deduplication".
type WarningTracker struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewWarningTracker returns an empty, concurrency-safe tracker.
func NewWarningTracker() *WarningTracker {
	return &WarningTracker{seen: map[string]bool{}}
}

// WarnOnce logs msg for path at most once per tracker lifetime.
func (w *WarningTracker) WarnOnce(path, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen == nil {
		w.seen = map[string]bool{}
	}
	key := path + "\x00" + msg
	if w.seen[key] {
		return
	}
	w.seen[key] = true
	log.Printf("%s: %s", path, msg)
}

// RenderFunc renders template text given a context, returning the
// rendered text. Metadata extraction calls this before parsing YAML when
// a context is supplied, so dependency paths can use {{ project.x }}
// (spec.md §4.2).
type RenderFunc func(templateText string) (string, error)

// Extract parses path's content and returns its declared dependencies and
// templating flag. render is nil when no template context is available
// yet (e.g. pre-manifest-only local files); when non-nil, the frontmatter
// text is rendered before YAML/JSON parsing.
func Extract(path string, content []byte, render RenderFunc, warn *WarningTracker) (Result, error) {
	switch {
	case strings.HasSuffix(path, ".md"):
		return extractMarkdown(path, content, render, warn)
	case strings.HasSuffix(path, ".json"):
		return extractJSON(path, content, render, warn)
	default:
		return Result{Dependencies: map[model.ResourceType][]DependencySpec{}, Body: string(content)}, nil
	}
}

// SplitFrontmatter separates a markdown file's leading `---`-fenced YAML
// block from its body. ok is false when there is no fence (or it is
// unterminated), in which case fm is empty and body is the whole text.
func SplitFrontmatter(text string) (fm, body string, ok bool) {
	if !strings.HasPrefix(text, "---\n") && !strings.HasPrefix(text, "---\r\n") {
		return "", text, false
	}
	rest := strings.TrimPrefix(text, "---\r\n")
	rest = strings.TrimPrefix(rest, "---\n")
	idx := strings.Index(rest, "\n---")
	if idx == -1 {
		return "", text, false
	}
	fmText := rest[:idx]
	afterFence := rest[idx+len("\n---"):]
	if nl := strings.IndexByte(afterFence, '\n'); nl != -1 {
		afterFence = afterFence[nl+1:]
	} else {
		afterFence = ""
	}
	return fmText, afterFence, true
}

func extractMarkdown(path string, content []byte, render RenderFunc, warn *WarningTracker) (Result, error) {
	text := string(content)
	fmText, afterFence, hasFence := SplitFrontmatter(text)
	if !hasFence {
		if strings.HasPrefix(text, "---\n") || strings.HasPrefix(text, "---\r\n") {
			if warn != nil {
				warn.WarnOnce(path, "unterminated frontmatter fence")
			}
		}
		return Result{Dependencies: map[model.ResourceType][]DependencySpec{}, Body: text}, nil
	}

	if render != nil {
		rendered, err := render(fmText)
		if err != nil {
			return Result{}, fmt.Errorf("metadata: rendering frontmatter of %s: %w", path, err)
		}
		fmText = rendered
	}

	var doc frontmatterDoc
	if err := yaml.Unmarshal([]byte(fmText), &doc); err != nil {
		return Result{}, fmt.Errorf("metadata: parsing YAML frontmatter of %s: %w", path, err)
	}

	deps, templating, err := collect(doc.Dependencies, doc.AGPM)
	if err != nil {
		return Result{}, fmt.Errorf("metadata: %s: %w", path, err)
	}
	return Result{Dependencies: deps, Templating: templating, Body: afterFence, Frontmatter: fmText, HasFrontmatter: true}, nil
}

func extractJSON(path string, content []byte, render RenderFunc, warn *WarningTracker) (Result, error) {
	text := string(content)
	if render != nil {
		rendered, err := render(text)
		if err != nil {
			return Result{}, fmt.Errorf("metadata: rendering %s: %w", path, err)
		}
		text = rendered
	}

	var doc frontmatterDoc
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return Result{}, fmt.Errorf("metadata: parsing JSON %s: %w", path, err)
	}

	deps, templating, err := collect(doc.Dependencies, doc.AGPM)
	if err != nil {
		return Result{}, fmt.Errorf("metadata: %s: %w", path, err)
	}
	return Result{Dependencies: deps, Templating: templating, Body: text}, nil
}

func collect(root map[string][]DependencySpec, agpm *agpmSection) (map[model.ResourceType][]DependencySpec, bool, error) {
	out := map[model.ResourceType][]DependencySpec{}

	merge := func(section map[string][]DependencySpec) error {
		for key, specs := range section {
			rt, ok := model.ParseResourceType(key)
			if !ok {
				if isKnownToolName(key) {
					return fmt.Errorf("dependency section %q looks like a tool name, not a resource type; use a resource-type key like 'snippets' or 'agents' instead", key)
				}
				return fmt.Errorf("unknown resource type %q in dependencies section; valid types: %s", key, strings.Join(model.ValidPlurals(), ", "))
			}
			out[rt] = append(out[rt], specs...)
		}
		return nil
	}

	if err := merge(root); err != nil {
		return nil, false, err
	}

	templating := false
	if agpm != nil {
		templating = agpm.Templating
		if err := merge(agpm.Dependencies); err != nil {
			return nil, false, err
		}
	}
	return out, templating, nil
}

// isKnownToolName is a small heuristic used only to produce a better
// error message; it is not an exhaustive registry.
func isKnownToolName(key string) bool {
	switch key {
	case "claude-code", "opencode", "agpm":
		return true
	default:
		return false
	}
}
