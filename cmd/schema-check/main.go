// Command schema-check loads an HCL schema file, builds the type registry and
// prints the resolved descriptors. It exits non-zero when the schema is
// invalid.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"graphmerge/pkg/schema"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("schema-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var schemaPath string
	fs.StringVar(&schemaPath, "schema", "", "path to the HCL schema file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(schemaPath) == "" {
		_, _ = fmt.Fprintln(stderr, "schema-check: -schema is required")
		fs.Usage()
		return 2
	}
	reg, err := schema.LoadHCL(schemaPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Schema validation failed: %v\n", err)
		return 1
	}
	if err := describe(stdout, reg); err != nil {
		return 1
	}
	return 0
}

// describe prints one block per type: table, identity, discriminator, fields
// and navigations, followed by the derived foreign keys.
func describe(w io.Writer, reg *schema.Registry) error {
	var b strings.Builder
	for _, name := range reg.Types() {
		d, err := reg.Describe(name)
		if err != nil {
			return err
		}
		header := name
		if d.Abstract {
			header += " (abstract)"
		}
		if d.Root != name {
			header += " : " + d.Root
		}
		fmt.Fprintf(&b, "%s\n  table %s, identity %s\n", header, d.Table, d.IdentityField)
		if d.Polymorphic() {
			fmt.Fprintf(&b, "  discriminator %s", d.Discriminator)
			if d.DiscriminatorValue != "" {
				fmt.Fprintf(&b, " = %q", d.DiscriminatorValue)
			}
			b.WriteString("\n")
		}
		for _, f := range d.Fields {
			nullable := ""
			if f.Nullable {
				nullable = "?"
			}
			fmt.Fprintf(&b, "  field %s %s%s\n", f.Name, f.Type, nullable)
		}
		for _, n := range d.Navigations {
			target := n.Target
			if n.Collection {
				target = "[]" + target
			}
			flags := ""
			if n.Required {
				flags = " required"
			}
			fmt.Fprintf(&b, "  %s %s -> %s via %s%s\n", n.Kind, n.Name, target, n.ForeignKey, flags)
		}
	}
	fks := reg.ForeignKeys()
	fmt.Fprintf(&b, "%d types, %d foreign keys\n", len(reg.Types()), len(fks))
	_, err := io.WriteString(w, b.String())
	return err
}
