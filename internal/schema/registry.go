// Package schema holds the DefraDB collection definitions and applies them
// at startup.
package schema

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
)

//go:embed schemas/*.graphql
var schemaFS embed.FS

// typePattern finds the collection declared by an SDL document.
var typePattern = regexp.MustCompile(`(?m)^type\s+([A-Za-z_][A-Za-z0-9_]*)\s*\{`)

// Schema is one DefraDB collection definition.
type Schema struct {
	Name string // collection name, e.g. "DiagnosisResult"
	File string
	SDL  string
}

// All returns every embedded schema ordered by file name. Each file must
// declare exactly one type.
func All() ([]Schema, error) {
	files, err := fs.Glob(schemaFS, "schemas/*.graphql")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	schemas := make([]Schema, 0, len(files))
	for _, f := range files {
		content, err := schemaFS.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", f, err)
		}
		name, err := typeName(string(content))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		schemas = append(schemas, Schema{Name: name, File: path.Base(f), SDL: string(content)})
	}
	return schemas, nil
}

// Get returns the schema declaring the named collection.
func Get(name string) (*Schema, error) {
	schemas, err := All()
	if err != nil {
		return nil, err
	}
	for i := range schemas {
		if schemas[i].Name == name {
			return &schemas[i], nil
		}
	}
	return nil, fmt.Errorf("schema not found: %s", name)
}

func typeName(sdl string) (string, error) {
	m := typePattern.FindAllStringSubmatch(sdl, -1)
	switch len(m) {
	case 0:
		return "", fmt.Errorf("no type declared")
	case 1:
		return m[0][1], nil
	default:
		return "", fmt.Errorf("%d types declared, want 1", len(m))
	}
}
