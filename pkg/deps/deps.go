// Package deps selects the single dependency manifest a project is installed
// from.
package deps

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Kind identifies the manifest format.
type Kind string

const (
	KindRequirementsList      Kind = "requirements-list"
	KindProjectMetadata       Kind = "project-metadata"
	KindLegacySetupScript     Kind = "legacy-setup-script"
	KindEnvironmentDefinition Kind = "environment-definition"
	KindNone                  Kind = "none"
)

// ErrPathNotFound indicates the project root does not exist or is not a
// directory.
var ErrPathNotFound = errors.New("project path not found")

// Manifest is the selected dependency manifest plus a summary parsed with the
// format's own parser. Summary fields are best effort; Warnings records parse
// problems that did not change the selection.
type Manifest struct {
	Kind Kind   `json:"kind"`
	Path string `json:"path,omitempty"`

	Packages        []string `json:"packages,omitempty"`
	PythonRequires  string   `json:"python_requires,omitempty"`
	EnvironmentName string   `json:"environment_name,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// None reports whether no manifest was found.
func (m *Manifest) None() bool { return m == nil || m.Kind == KindNone }

// Fingerprint hashes the manifest file contents. Installing from an
// unchanged fingerprint is a no-op.
func (m *Manifest) Fingerprint() (string, error) {
	if m.None() {
		return "", nil
	}
	b, err := os.ReadFile(m.Path)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", m.Path, err)
	}
	sum := sha256.Sum256(append([]byte(string(m.Kind)+"\x00"), b...))
	return hex.EncodeToString(sum[:]), nil
}

const requirementsPattern = "requirements*.txt"

// Detect scans root (one level, no recursion) and returns exactly one manifest
// by priority: requirements-list > project-metadata > legacy-setup-script >
// environment-definition. A project with none of them yields KindNone.
func Detect(root string) (*Manifest, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, root)
		}
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrPathNotFound, root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	files := map[string]bool{}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files[e.Name()] = true
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if name := pickRequirements(files, names); name != "" {
		return parseRequirements(filepath.Join(root, name)), nil
	}
	if files["pyproject.toml"] {
		return parsePyproject(filepath.Join(root, "pyproject.toml")), nil
	}
	if files["setup.py"] {
		return parseSetupScript(filepath.Join(root, "setup.py")), nil
	}
	for _, name := range []string{"environment.yml", "environment.yaml"} {
		if files[name] {
			return parseEnvironment(filepath.Join(root, name)), nil
		}
	}
	return &Manifest{Kind: KindNone}, nil
}

// pickRequirements prefers requirements.txt, then the first other
// requirements*.txt in lexical order.
func pickRequirements(files map[string]bool, sorted []string) string {
	if files["requirements.txt"] {
		return "requirements.txt"
	}
	for _, name := range sorted {
		if ok, _ := doublestar.Match(requirementsPattern, name); ok {
			return name
		}
	}
	return ""
}
