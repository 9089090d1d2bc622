package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBranchName is the name given to the branch created with a project.
const DefaultBranchName = "main"

// Project is the top-level unit of work. It owns one or more branches.
type Project struct {
	ID         string    `json:"id" yaml:"id"`
	Name       string    `json:"name" yaml:"name"`
	FolderName string    `json:"folder_name" yaml:"folder_name"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

// NewProject creates a project with a fresh ID and a folder name derived from name.
func NewProject(name string) Project {
	return Project{
		ID:         uuid.NewString(),
		Name:       name,
		FolderName: FolderName(name),
		CreatedAt:  time.Now().UTC(),
	}
}

// FolderName turns a project name into a filesystem-friendly folder name.
func FolderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	dash := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "project"
	}
	return out
}

// Branch is a linear chain of committed snapshots within a project.
type Branch struct {
	ID        string    `json:"id" yaml:"id"`
	ProjectID string    `json:"project_id" yaml:"project_id"`
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// NewBranch creates a branch for the given project. An empty name selects the default.
func NewBranch(projectID, name string) Branch {
	if name == "" {
		name = DefaultBranchName
	}
	return Branch{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}

// Specification describes what is being built. A parent snapshot and its fork
// share the same value until one of them updates it.
type Specification struct {
	ID                  string           `json:"id" yaml:"id" mapstructure:"id"`
	Description         string           `json:"description" yaml:"description" mapstructure:"description"`
	Architecture        string           `json:"architecture" yaml:"architecture" mapstructure:"architecture"`
	SystemDependencies  []map[string]any `json:"system_dependencies,omitempty" yaml:"system_dependencies,omitempty" mapstructure:"system_dependencies"`
	PackageDependencies []map[string]any `json:"package_dependencies,omitempty" yaml:"package_dependencies,omitempty" mapstructure:"package_dependencies"`
	Templates           map[string]any   `json:"templates,omitempty" yaml:"templates,omitempty" mapstructure:"templates"`
	Complexity          string           `json:"complexity,omitempty" yaml:"complexity,omitempty" mapstructure:"complexity"`
	ExampleProject      string           `json:"example_project,omitempty" yaml:"example_project,omitempty" mapstructure:"example_project"`
}

// NewSpecification returns an empty specification with a fresh ID.
func NewSpecification() *Specification {
	return &Specification{ID: uuid.NewString()}
}

// Clone returns a deep copy with a new ID.
func (s *Specification) Clone() *Specification {
	if s == nil {
		return NewSpecification()
	}
	out := *s
	out.ID = uuid.NewString()
	out.SystemDependencies = cloneRecords(s.SystemDependencies)
	out.PackageDependencies = cloneRecords(s.PackageDependencies)
	out.Templates = cloneMap(s.Templates)
	return &out
}
