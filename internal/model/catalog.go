package model

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
)

// Catalog maps class names to the dense output indices of the classifier. It is immutable.
type Catalog struct {
	index map[string]int
	names []string
}

// LoadCatalog reads a JSON object of name -> index from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", ErrCatalog, path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes a name -> index JSON object. Indices must cover 0..n-1 exactly once.
func ParseCatalog(data []byte) (*Catalog, error) {
	var index map[string]int
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("%w: failed to parse: %w", ErrCatalog, err)
	}
	if len(index) == 0 {
		return nil, fmt.Errorf("%w: no classes defined", ErrCatalog)
	}

	names := make([]string, len(index))
	for name, i := range index {
		if i < 0 || i >= len(names) {
			return nil, fmt.Errorf("%w: index %d for %q is outside 0..%d", ErrCatalog, i, name, len(names)-1)
		}
		if names[i] != "" {
			return nil, fmt.Errorf("%w: index %d assigned to both %q and %q", ErrCatalog, i, names[i], name)
		}
		if name == "" {
			return nil, fmt.Errorf("%w: empty class name at index %d", ErrCatalog, i)
		}
		names[i] = name
	}

	return &Catalog{index: index, names: names}, nil
}

// NewCatalog builds a catalog from names in index order.
func NewCatalog(names []string) (*Catalog, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no classes defined", ErrCatalog)
	}
	index := make(map[string]int, len(names))
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("%w: empty class name at index %d", ErrCatalog, i)
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("%w: duplicate class name %q", ErrCatalog, name)
		}
		index[name] = i
	}
	return &Catalog{index: index, names: slices.Clone(names)}, nil
}

// Len returns the number of classes.
func (c *Catalog) Len() int {
	return len(c.names)
}

// Name returns the class name at index i.
func (c *Catalog) Name(i int) (string, bool) {
	if i < 0 || i >= len(c.names) {
		return "", false
	}
	return c.names[i], true
}

// Index returns the index of a class name.
func (c *Catalog) Index(name string) (int, bool) {
	i, ok := c.index[name]
	return i, ok
}

// Names returns a copy of the class names in index order.
func (c *Catalog) Names() []string {
	return slices.Clone(c.names)
}
