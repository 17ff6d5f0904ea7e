package playbook

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

//go:embed catalogue/*.yaml
var defaultTemplates embed.FS

// Catalogue holds published templates keyed by id and version. Read-only
// after construction.
type Catalogue struct {
	templates map[string][]*repository.PlaybookTemplate // sorted by version
}

// NewCatalogue validates templates and indexes them.
func NewCatalogue(templates []repository.PlaybookTemplate) (*Catalogue, error) {
	c := &Catalogue{templates: make(map[string][]*repository.PlaybookTemplate)}
	for i := range templates {
		t := templates[i]
		if _, err := ValidateTemplate(&t); err != nil {
			return nil, err
		}
		for _, existing := range c.templates[t.ID] {
			if existing.Version == t.Version {
				return nil, fmt.Errorf("template %s v%d declared twice", t.ID, t.Version)
			}
		}
		c.templates[t.ID] = append(c.templates[t.ID], &t)
	}
	for _, versions := range c.templates {
		sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	}
	return c, nil
}

// LoadCatalogue reads every *.yaml file at the root of fsys. A file holds
// one template.
func LoadCatalogue(fsys fs.FS) (*Catalogue, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read template directory: %w", err)
	}

	var templates []repository.PlaybookTemplate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", e.Name(), err)
		}
		var t repository.PlaybookTemplate
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", e.Name(), err)
		}
		templates = append(templates, t)
	}
	return NewCatalogue(templates)
}

// LoadDefaultCatalogue returns the templates compiled into the binary.
func LoadDefaultCatalogue() (*Catalogue, error) {
	sub, err := fs.Sub(defaultTemplates, "catalogue")
	if err != nil {
		return nil, err
	}
	return LoadCatalogue(sub)
}

// LoadCatalogueDir loads templates from dir, or the embedded set when dir
// is empty.
func LoadCatalogueDir(dir string) (*Catalogue, error) {
	if dir == "" {
		return LoadDefaultCatalogue()
	}
	return LoadCatalogue(os.DirFS(dir))
}

// Get returns the template with the given version; version 0 means latest.
func (c *Catalogue) Get(id string, version int) (*repository.PlaybookTemplate, bool) {
	versions := c.templates[id]
	if len(versions) == 0 {
		return nil, false
	}
	if version == 0 {
		return versions[len(versions)-1], true
	}
	for _, t := range versions {
		if t.Version == version {
			return t, true
		}
	}
	return nil, false
}

// List returns the latest version of every template, ordered by id.
func (c *Catalogue) List() []*repository.PlaybookTemplate {
	out := make([]*repository.PlaybookTemplate, 0, len(c.templates))
	for _, versions := range c.templates {
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
