package storage

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"gopkg.in/yaml.v3"
)

// DepartmentStore is the read side of the department catalog
type DepartmentStore interface {
	GetDepartment(ctx context.Context, id string) (*types.Department, error)
	ListDepartments(ctx context.Context) ([]types.Department, error)
}

// Catalog holds department definitions loaded at startup
type Catalog struct {
	mu          sync.RWMutex
	departments map[string]types.Department
}

type catalogFile struct {
	Departments []types.Department `yaml:"departments"`
}

// NewCatalog builds a catalog from the given departments
func NewCatalog(departments ...types.Department) *Catalog {
	c := &Catalog{departments: make(map[string]types.Department, len(departments))}
	for _, d := range departments {
		c.departments[d.ID] = d
	}
	return c
}

// LoadDepartments reads a YAML file of the form:
//
//	departments:
//	  - id: sales
//	    name: Sales
//	    enabled: true
//	    fallback: support
func LoadDepartments(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read departments file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse departments file: %w", err)
	}

	for i, d := range file.Departments {
		if d.ID == "" {
			return nil, fmt.Errorf("department %d has no id", i)
		}
	}
	return NewCatalog(file.Departments...), nil
}

// Upsert adds or replaces a department
func (c *Catalog) Upsert(d types.Department) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.departments[d.ID] = d
}

func (c *Catalog) GetDepartment(_ context.Context, id string) (*types.Department, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.departments[id]
	if !ok {
		return nil, ErrDepartmentNotFound
	}
	return &d, nil
}

func (c *Catalog) ListDepartments(_ context.Context) ([]types.Department, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.Department, 0, len(c.departments))
	for _, d := range c.departments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
