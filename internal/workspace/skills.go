package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"loom/internal/logging"
	"loom/internal/types"
)

// skillFrontmatter is the YAML header every skill file opens with.
type skillFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Triggers    []string `yaml:"triggers"`
	Requires    []string `yaml:"requires"`
}

// ParseSkill reads one skill markdown file. The file must start with a
// `---` fenced YAML frontmatter block carrying at least a name.
func ParseSkill(path string) (*types.Capability, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "read skill %s", path)
	}

	fm, _, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, types.Wrap(types.KindValidation, err, "skill %s", filepath.Base(path))
	}

	var meta skillFrontmatter
	if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
		return nil, types.Wrap(types.KindValidation, err, "skill %s frontmatter", filepath.Base(path))
	}
	if meta.Name == "" {
		meta.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &types.Capability{
		Type:        types.CapabilitySkill,
		Name:        meta.Name,
		Description: meta.Description,
		Triggers:    meta.Triggers,
		Requires:    meta.Requires,
		Path:        path,
	}, nil
}

// splitFrontmatter separates the fenced YAML header from the markdown body.
func splitFrontmatter(content string) (front, body string, err error) {
	const fence = "---"
	trimmed := strings.TrimLeft(content, "\ufeff\n\r ")
	if !strings.HasPrefix(trimmed, fence) {
		return "", "", types.E(types.KindValidation, "missing frontmatter fence")
	}
	rest := trimmed[len(fence):]
	end := strings.Index(rest, "\n"+fence)
	if end < 0 {
		return "", "", types.E(types.KindValidation, "unterminated frontmatter")
	}
	front = strings.TrimSpace(rest[:end])
	body = strings.TrimSpace(rest[end+len(fence)+1:])
	return front, body, nil
}

// scanSkills parses every .md file in the skills directory. Malformed files
// are logged and skipped so one broken skill never hides the rest.
func scanSkills(dir string) ([]types.Capability, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "read skills dir %s", dir)
	}

	log := logging.Get(logging.CategoryCapability)
	var caps []types.Capability
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		c, err := ParseSkill(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Warn("skipping malformed skill %s: %v", e.Name(), err)
			continue
		}
		caps = append(caps, *c)
	}
	return caps, nil
}

// scanTools treats each executable file in tools/ as a tool capability
// named after its basename.
func scanTools(dir string) ([]types.Capability, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "read tools dir %s", dir)
	}

	var caps []types.Capability
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if info.Mode()&0o111 == 0 && !strings.HasSuffix(e.Name(), ".go") {
			continue
		}
		caps = append(caps, types.Capability{
			Type: types.CapabilityTool,
			Name: name,
			Path: filepath.Join(dir, e.Name()),
		})
	}
	return caps, nil
}
