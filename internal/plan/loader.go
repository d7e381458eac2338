package plan

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/cadre/internal/log"
)

// frontmatter is the YAML header of a plan template file.
type frontmatter struct {
	Name           string         `yaml:"name"`
	Description    string         `yaml:"description"`
	Classification string         `yaml:"classification"`
	Steps          []StepTemplate `yaml:"steps"`
}

// frontmatterDelimiter is the standard YAML frontmatter delimiter.
const frontmatterDelimiter = "---"

// LoadBuiltinTemplates loads the embedded plan templates.
func LoadBuiltinTemplates() ([]Template, error) {
	return loadTemplatesFromFS(builtinTemplates, "templates", SourceBuiltIn)
}

func loadTemplatesFromFS(fsys fs.FS, dir string, source Source) ([]Template, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading plan directory: %w", err)
	}

	var templates []Template
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		// path.Join, not filepath.Join: embedded filesystems always use
		// forward slashes
		fsPath := path.Join(dir, entry.Name())
		content, err := fs.ReadFile(fsys, fsPath)
		if err != nil {
			return nil, fmt.Errorf("reading plan file %s: %w", fsPath, err)
		}

		tpl, err := parseTemplate(string(content), entry.Name(), source)
		if err != nil {
			log.Warn(log.CatPlan, "skipping invalid plan template",
				"file", fsPath,
				"error", err.Error())
			continue
		}
		templates = append(templates, tpl)
	}

	return templates, nil
}

// LoadUserTemplatesFromDir loads user plan templates. A missing directory is
// not an error, just an empty result; files that fail to parse are skipped
// with a warning.
func LoadUserTemplatesFromDir(dir string) ([]Template, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checking plan directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plan path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading plan directory: %w", err)
	}

	var templates []Template
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(filePath) //nolint:gosec // filePath comes from directory entries
		if err != nil {
			continue
		}

		tpl, err := parseTemplate(string(content), entry.Name(), SourceUser)
		if err != nil {
			log.Warn(log.CatPlan, "skipping invalid plan template",
				"file", filePath,
				"error", err.Error())
			continue
		}
		tpl.FilePath = filePath
		templates = append(templates, tpl)
	}

	return templates, nil
}

// UserTemplateDir returns the default user plan directory, ~/.cadre/plans.
func UserTemplateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cadre", "plans")
}

// EnsureUserTemplateDir creates the user plan directory if needed.
func EnsureUserTemplateDir(dir string) (string, error) {
	if dir == "" {
		dir = UserTemplateDir()
	}
	if dir == "" {
		return "", fmt.Errorf("could not determine home directory")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("creating plan directory: %w", err)
	}
	return dir, nil
}

func parseTemplate(content, filename string, source Source) (Template, error) {
	fm, body, err := parseFrontmatter(content)
	if err != nil {
		return Template{}, fmt.Errorf("parsing frontmatter: %w", err)
	}

	classification, err := ParseClassification(fm.Classification)
	if err != nil {
		return Template{}, err
	}
	if len(fm.Steps) == 0 {
		return Template{}, fmt.Errorf("template has no steps")
	}
	for i, step := range fm.Steps {
		if step.AgentType == "" {
			return Template{}, fmt.Errorf("step %d missing agent_type", i+1)
		}
		if step.Description == "" {
			return Template{}, fmt.Errorf("step %d missing description", i+1)
		}
	}

	return Template{
		ID:             strings.TrimSuffix(filename, ".md"),
		Name:           fm.Name,
		Description:    fm.Description,
		Classification: classification,
		Steps:          fm.Steps,
		Summary:        strings.TrimSpace(body),
		Source:         source,
	}, nil
}

// parseFrontmatter extracts the YAML header and returns it with the
// remaining markdown body.
func parseFrontmatter(content string) (frontmatter, string, error) {
	var fm frontmatter

	if !strings.HasPrefix(content, frontmatterDelimiter) {
		return fm, "", fmt.Errorf("content does not start with frontmatter delimiter")
	}

	rest := content[len(frontmatterDelimiter):]
	yamlContent, body, found := strings.Cut(rest, "\n"+frontmatterDelimiter)
	if !found {
		return fm, "", fmt.Errorf("no closing frontmatter delimiter found")
	}

	yamlContent = strings.TrimPrefix(yamlContent, "\n")

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(yamlContent)))
	if err := decoder.Decode(&fm); err != nil {
		return fm, "", fmt.Errorf("parsing YAML: %w", err)
	}

	if fm.Name == "" {
		return fm, "", fmt.Errorf("frontmatter missing required field: name")
	}

	body = strings.TrimPrefix(body, "\n")
	return fm, body, nil
}
