// Package workspace manages the per-outcome filesystem contract: the
// skills/, tools/, docs/, and outputs/ subdirectories that the LLM sidecar
// reads and writes. Capabilities are discovered by scanning this layout.
package workspace

import (
	"os"
	"path/filepath"
	"sort"

	"loom/internal/types"
)

// Subdirectories every outcome workspace carries.
const (
	SkillsDir  = "skills"
	ToolsDir   = "tools"
	DocsDir    = "docs"
	OutputsDir = "outputs"
)

// Manager resolves and maintains outcome workspaces under a common root.
type Manager struct {
	root string
}

// NewManager creates a workspace manager rooted at the given directory.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Dir returns the workspace directory for an outcome. The outcome's
// explicit working directory wins when set.
func (m *Manager) Dir(o *types.Outcome) string {
	if o.WorkingDir != "" {
		return o.WorkingDir
	}
	return filepath.Join(m.root, o.ID)
}

// Ensure creates the outcome's workspace layout if missing. Idempotent.
func (m *Manager) Ensure(o *types.Outcome) (string, error) {
	dir := m.Dir(o)
	for _, sub := range []string{SkillsDir, ToolsDir, DocsDir, OutputsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", types.Wrap(types.KindInternal, err, "create workspace dir %s/%s", dir, sub)
		}
	}
	return dir, nil
}

// Scan discovers the outcome's capability set from its workspace: skill
// files under skills/ and executable scripts under tools/. Results are
// sorted by ref for stable comparison.
func (m *Manager) Scan(o *types.Outcome) ([]types.Capability, error) {
	dir := m.Dir(o)

	skills, err := scanSkills(filepath.Join(dir, SkillsDir))
	if err != nil {
		return nil, err
	}
	tools, err := scanTools(filepath.Join(dir, ToolsDir))
	if err != nil {
		return nil, err
	}

	caps := append(skills, tools...)
	sort.Slice(caps, func(i, j int) bool { return caps[i].Ref() < caps[j].Ref() })
	return caps, nil
}

// Outputs lists the relative paths of files under outputs/, the evidence
// surface the reviewer reads.
func (m *Manager) Outputs(o *types.Outcome) ([]string, error) {
	base := filepath.Join(m.Dir(o), OutputsDir)
	var out []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "walk outputs for %s", o.ID)
	}
	sort.Strings(out)
	return out, nil
}
