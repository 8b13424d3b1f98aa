package schema

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// hclSchemaFile is the top-level structure of a schema registration file.
type hclSchemaFile struct {
	Types []*hclType `hcl:"type,block"`
}

type hclType struct {
	Name               string           `hcl:"name,label"`
	Base               string           `hcl:"base,optional"`
	Table              string           `hcl:"table,optional"`
	Abstract           bool             `hcl:"abstract,optional"`
	Identity           string           `hcl:"identity,optional"`
	Discriminator      string           `hcl:"discriminator,optional"`
	DiscriminatorValue string           `hcl:"discriminator_value,optional"`
	Fields             []*hclField      `hcl:"field,block"`
	Navigations        []*hclNavigation `hcl:"navigation,block"`
}

type hclField struct {
	Name     string         `hcl:"name,label"`
	Type     hcl.Expression `hcl:"type"`
	Nullable bool           `hcl:"nullable,optional"`
}

type hclNavigation struct {
	Name       string `hcl:"name,label"`
	Kind       string `hcl:"kind"`
	Target     string `hcl:"target"`
	ForeignKey string `hcl:"foreign_key"`
	Collection bool   `hcl:"collection,optional"`
	Required   bool   `hcl:"required,optional"`
	Inverse    string `hcl:"inverse,optional"`
}

// LoadHCL reads a schema file and builds a registry from it.
func LoadHCL(path string) (*Registry, error) {
	src, err := os.ReadFile(path) // #nosec G304 -- operator-supplied schema path
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	specs, err := ParseHCL(src, path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(specs...)
}

// ParseHCL decodes type blocks into TypeSpecs. Field types are written as
// bare keywords: string, int, number, bool or timestamp.
func ParseHCL(src []byte, filename string) ([]TypeSpec, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse schema %s: %w", filename, diags)
	}
	var parsed hclSchemaFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode schema %s: %w", filename, diags)
	}

	specs := make([]TypeSpec, 0, len(parsed.Types))
	for _, t := range parsed.Types {
		spec := TypeSpec{
			Name:               t.Name,
			Base:               t.Base,
			Table:              t.Table,
			Abstract:           t.Abstract,
			Identity:           t.Identity,
			Discriminator:      t.Discriminator,
			DiscriminatorValue: t.DiscriminatorValue,
		}
		for _, f := range t.Fields {
			ft, diags := fieldTypeFromExpr(f.Type)
			if diags.HasErrors() {
				return nil, fmt.Errorf("type %s field %s: %w", t.Name, f.Name, diags)
			}
			spec.Fields = append(spec.Fields, Field{Name: f.Name, Type: ft, Nullable: f.Nullable})
		}
		for _, n := range t.Navigations {
			kind, err := ParseNavigationKind(n.Kind)
			if err != nil {
				return nil, ConfigurationError{Type: t.Name, Reason: fmt.Sprintf("navigation %s: %v", n.Name, err)}
			}
			spec.Navigations = append(spec.Navigations, Navigation{
				Name:       n.Name,
				Kind:       kind,
				Target:     n.Target,
				ForeignKey: n.ForeignKey,
				Collection: n.Collection,
				Required:   n.Required,
				Inverse:    n.Inverse,
			})
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// fieldTypeFromExpr accepts a single keyword such as `string`, not a quoted
// string or a complex type expression.
func fieldTypeFromExpr(expr hcl.Expression) (FieldType, hcl.Diagnostics) {
	traversal, diags := hcl.AbsTraversalForExpr(expr)
	if diags.HasErrors() || len(traversal) != 1 {
		return "", hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Invalid type specification",
			Detail:   "The 'type' attribute must be a keyword: string, int, number, bool or timestamp.",
			Subject:  expr.Range().Ptr(),
		}}
	}
	ft := FieldType(traversal.RootName())
	if !ft.Valid() {
		return "", hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Unsupported type",
			Detail:   fmt.Sprintf("The keyword '%s' is not a valid field type.", ft),
			Subject:  expr.Range().Ptr(),
		}}
	}
	return ft, nil
}
