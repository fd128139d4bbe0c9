package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/gateway"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog [module...]",
		Short: "List the modules and operations steps can compile to",
		Example: `  # List every module
  goalscript catalog

  # Show the operations of the file and shell modules
  goalscript catalog file shell`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(cmd.Context(), gateway.Discard{})
			if err != nil {
				return err
			}
			defer s.Close()

			if jsonOutput {
				return printCatalogJSON(s.registry, args)
			}
			fmt.Print(s.registry.Describe(args...))
			return nil
		},
	}

	return cmd
}

type catalogModule struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Operations  []catalogOperation `json:"operations,omitempty"`
}

type catalogOperation struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Params      []catalogParam       `json:"params,omitempty"`
	Returns     string               `json:"returns,omitempty"`
	Conditional bool                 `json:"conditional,omitempty"`
	Examples    []capability.Example `json:"examples,omitempty"`
}

type catalogParam struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Default     any      `json:"default,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

func printCatalogJSON(reg *capability.Registry, names []string) error {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(n)] = true
	}

	var out []catalogModule
	for _, m := range reg.Modules() {
		if len(names) > 0 && !want[strings.ToLower(m.Name)] {
			continue
		}
		cm := catalogModule{Name: m.Name, Description: m.Description}
		for _, op := range reg.Operations(m.Name) {
			co := catalogOperation{
				Name:        op.Name,
				Description: op.Description,
				Returns:     op.Returns,
				Conditional: op.Conditional,
				Examples:    op.Examples,
			}
			for _, p := range op.Params {
				co.Params = append(co.Params, catalogParam{
					Name:        p.Name,
					Type:        string(p.Type),
					Description: p.Description,
					Required:    p.Required,
					Default:     p.Default,
					Enum:        p.Enum,
				})
			}
			cm.Operations = append(cm.Operations, co)
		}
		out = append(out, cm)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
