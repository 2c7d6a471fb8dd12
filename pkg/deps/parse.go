package deps

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var packageNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*`)

// packageName extracts the distribution name from a requirement specifier
// such as "torch>=2.1; python_version>'3.8'".
func packageName(spec string) string {
	return packageNameRe.FindString(strings.TrimSpace(spec))
}

func readManifest(m *Manifest) []byte {
	b, err := os.ReadFile(m.Path)
	if err != nil {
		m.Warnings = append(m.Warnings, fmt.Sprintf("read: %v", err))
		return nil
	}
	return b
}

func parseRequirements(path string) *Manifest {
	m := &Manifest{Kind: KindRequirementsList, Path: path}
	b := readManifest(m)

	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		// Options (-r, -e, --index-url) and direct URLs carry no plain name.
		if line == "" || strings.HasPrefix(line, "-") || strings.Contains(line, "://") {
			continue
		}
		if name := packageName(line); name != "" {
			m.Packages = append(m.Packages, name)
		}
	}
	return m
}

type pyproject struct {
	Project struct {
		Name           string   `toml:"name"`
		RequiresPython string   `toml:"requires-python"`
		Dependencies   []string `toml:"dependencies"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Dependencies map[string]any `toml:"dependencies"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

func parsePyproject(path string) *Manifest {
	m := &Manifest{Kind: KindProjectMetadata, Path: path}
	b := readManifest(m)
	if b == nil {
		return m
	}

	var doc pyproject
	if err := toml.Unmarshal(b, &doc); err != nil {
		m.Warnings = append(m.Warnings, fmt.Sprintf("parse pyproject.toml: %v", err))
		return m
	}

	m.PythonRequires = doc.Project.RequiresPython
	for _, d := range doc.Project.Dependencies {
		if name := packageName(d); name != "" {
			m.Packages = append(m.Packages, name)
		}
	}

	poetry := doc.Tool.Poetry.Dependencies
	if len(poetry) > 0 {
		names := make([]string, 0, len(poetry))
		for name, v := range poetry {
			if name == "python" {
				if s, ok := v.(string); ok && m.PythonRequires == "" {
					m.PythonRequires = s
				}
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		m.Packages = append(m.Packages, names...)
	}
	return m
}

var setupRequiresRe = regexp.MustCompile(`python_requires\s*=\s*["']([^"']+)["']`)

// parseSetupScript never executes setup.py; only python_requires is read.
func parseSetupScript(path string) *Manifest {
	m := &Manifest{Kind: KindLegacySetupScript, Path: path}
	if b := readManifest(m); b != nil {
		if sm := setupRequiresRe.FindSubmatch(b); sm != nil {
			m.PythonRequires = string(sm[1])
		}
	}
	return m
}

type environmentFile struct {
	Name         string `yaml:"name"`
	Dependencies []any  `yaml:"dependencies"`
}

func parseEnvironment(path string) *Manifest {
	m := &Manifest{Kind: KindEnvironmentDefinition, Path: path}
	b := readManifest(m)
	if b == nil {
		return m
	}

	var doc environmentFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		m.Warnings = append(m.Warnings, fmt.Sprintf("parse environment definition: %v", err))
		return m
	}
	m.EnvironmentName = doc.Name

	for _, dep := range doc.Dependencies {
		switch v := dep.(type) {
		case string:
			spec := strings.TrimSpace(condaSpec(v))
			name := packageName(spec)
			if name == "python" {
				m.PythonRequires = strings.TrimPrefix(strings.TrimPrefix(spec, "python"), "=")
				continue
			}
			if name != "" {
				m.Packages = append(m.Packages, name)
			}
		case map[string]any:
			pip, _ := v["pip"].([]any)
			for _, p := range pip {
				if s, ok := p.(string); ok {
					if name := packageName(s); name != "" {
						m.Packages = append(m.Packages, name)
					}
				}
			}
		}
	}
	return m
}

// condaSpec strips a channel prefix ("conda-forge::numpy=1.26").
func condaSpec(s string) string {
	if i := strings.Index(s, "::"); i >= 0 {
		return s[i+2:]
	}
	return s
}
