package capability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CatalogFile is the on-disk form of catalog.yaml. It overrides module
// and operation descriptions and appends worked examples.
type CatalogFile struct {
	Modules map[string]CatalogModule `yaml:"modules"`
}

// CatalogModule overrides one module.
type CatalogModule struct {
	Description string                      `yaml:"description"`
	Prompt      string                      `yaml:"prompt"`
	Operations  map[string]CatalogOperation `yaml:"operations"`
}

// CatalogOperation overrides one operation.
type CatalogOperation struct {
	Description string    `yaml:"description"`
	Examples    []Example `yaml:"examples"`
}

// LoadCatalog applies a catalog file. A missing file is not an error.
func (r *Registry) LoadCatalog(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return r.ApplyCatalog(f)
}

// ApplyCatalog reads a catalog document and applies it to registered
// modules. Entries for unknown modules or operations are errors.
func (r *Registry) ApplyCatalog(src io.Reader) error {
	var cf CatalogFile
	if err := yaml.NewDecoder(src).Decode(&cf); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("decode catalog: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, cm := range cf.Modules {
		e, ok := r.modules[strings.ToLower(name)]
		if !ok {
			return fmt.Errorf("catalog: unknown module %q", name)
		}
		if cm.Description != "" {
			e.description = cm.Description
		}
		if cm.Prompt != "" {
			e.fragment = strings.TrimSpace(e.fragment + "\n" + cm.Prompt)
		}
		for opName, co := range cm.Operations {
			op, ok := e.ops[strings.ToLower(opName)]
			if !ok {
				return fmt.Errorf("catalog: module %q has no operation %q", name, opName)
			}
			if co.Description != "" {
				op.Description = co.Description
			}
			op.Examples = append(op.Examples, co.Examples...)
		}
	}
	return nil
}

// Describe renders the catalog as prompt text. With no module names it
// lists every module briefly; with names it details their operations.
func (r *Registry) Describe(modules ...string) string {
	var b strings.Builder
	if len(modules) == 0 {
		for _, m := range r.Modules() {
			fmt.Fprintf(&b, "- %s: %s\n", m.Name, m.Description)
		}
		return b.String()
	}
	for _, name := range modules {
		r.mu.RLock()
		e, ok := r.modules[strings.ToLower(name)]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "module %s: %s\n", e.module.Name(), e.description)
		for _, op := range r.Operations(name) {
			b.WriteString(DescribeOperation(op))
		}
	}
	return b.String()
}

// DescribeOperation renders one operation signature with its examples.
func DescribeOperation(op *Operation) string {
	var b strings.Builder
	params := make([]string, 0, len(op.Params))
	for _, p := range op.Params {
		s := p.Name + " " + string(p.Type)
		if p.Type == TypeEnum {
			s += "(" + strings.Join(p.Enum, "|") + ")"
		}
		if !p.Required {
			s += "?"
		}
		params = append(params, s)
	}
	fmt.Fprintf(&b, "  %s(%s)", op.Name, strings.Join(params, ", "))
	if op.Returns != "" {
		fmt.Fprintf(&b, " -> %s", op.Returns)
	}
	if op.Description != "" {
		fmt.Fprintf(&b, ": %s", op.Description)
	}
	b.WriteString("\n")
	for _, ex := range op.Examples {
		args, _ := json.Marshal(ex.Parameters)
		fmt.Fprintf(&b, "    example: %q => %s", ex.Text, args)
		if len(ex.Returns) > 0 {
			fmt.Fprintf(&b, " returns %s", strings.Join(ex.Returns, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ParamSchema returns the JSON schema of a declared parameter.
func ParamSchema(p ParamSpec) map[string]any {
	s := map[string]any{}
	switch p.Type {
	case TypeString, TypeDuration:
		s["type"] = "string"
	case TypeInt:
		s["type"] = []string{"integer", "string"}
	case TypeFloat:
		s["type"] = []string{"number", "string"}
	case TypeBool:
		s["type"] = []string{"boolean", "string"}
	case TypeEnum:
		s["type"] = "string"
		s["enum"] = p.Enum
	case TypeList:
		s["type"] = []string{"array", "string"}
	case TypeObject:
		s["type"] = []string{"object", "string"}
	}
	desc := p.Description
	if desc != "" {
		desc += ". "
	}
	s["description"] = desc + "May be a %variable% reference."
	return s
}

// Schema returns the JSON schema of an operation's arguments.
func (op *Operation) Schema() map[string]any {
	props := make(map[string]any, len(op.Params))
	required := make([]string, 0)
	for _, p := range op.Params {
		props[p.Name] = ParamSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
