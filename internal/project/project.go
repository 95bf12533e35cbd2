// Package project resolves a job's project to its work directory and
// version-control policy.
package project

import (
	"agentd/internal/apperrors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Project is a work directory agents operate in.
type Project struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name,omitempty"`
	WorkDir string `yaml:"workDir" json:"workDir"`

	// SyncBeforeRun fast-forwards from origin before each execution.
	SyncBeforeRun bool `yaml:"syncBeforeRun" json:"syncBeforeRun"`
	// AutoCommit commits the agent's changes after a successful execution.
	AutoCommit bool `yaml:"autoCommit" json:"autoCommit"`
	// AutoPush pushes after an auto-commit.
	AutoPush bool `yaml:"autoPush" json:"autoPush"`

	MCPConfig string `yaml:"mcpConfig" json:"mcpConfig,omitempty"`
}

// Directory holds the configured projects.
type Directory struct {
	projects map[string]Project
}

// NewDirectory validates projects and indexes them by id. Work directories
// are made absolute; they must exist.
func NewDirectory(projects []Project) (*Directory, error) {
	d := &Directory{projects: make(map[string]Project, len(projects))}
	for _, p := range projects {
		if p.ID == "" {
			return nil, apperrors.Validation("id", "project id is required")
		}
		if _, dup := d.projects[p.ID]; dup {
			return nil, apperrors.Validation("id", fmt.Sprintf("project %s is declared twice", p.ID))
		}
		if p.WorkDir == "" {
			return nil, apperrors.Validation("workDir", fmt.Sprintf("project %s: workDir is required", p.ID))
		}
		abs, err := filepath.Abs(p.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", p.ID, err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return nil, apperrors.Validation("workDir", fmt.Sprintf("project %s: %s is not a directory", p.ID, abs))
		}
		p.WorkDir = abs
		d.projects[p.ID] = p
	}
	return d, nil
}

// Lookup returns the project for id.
func (d *Directory) Lookup(id string) (Project, error) {
	p, ok := d.projects[id]
	if !ok {
		return Project{}, apperrors.Unavailable("project", fmt.Sprintf("project %s is not configured", id))
	}
	return p, nil
}

// HasProject reports whether id is configured.
func (d *Directory) HasProject(id string) bool {
	_, ok := d.projects[id]
	return ok
}

// List returns all projects ordered by id.
func (d *Directory) List() []Project {
	out := make([]Project, 0, len(d.projects))
	for _, p := range d.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProviderSet answers whether a provider id is declared.
type ProviderSet interface {
	HasProvider(id string) bool
}

// Catalog answers submission-time existence checks for projects and providers.
type Catalog struct {
	*Directory
	ProviderSet
}

// NewCatalog combines projects and providers.
func NewCatalog(projects *Directory, providers ProviderSet) Catalog {
	return Catalog{Directory: projects, ProviderSet: providers}
}
