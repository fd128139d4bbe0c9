package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/errs"
)

// File manages files inside a workspace directory. Paths may not escape
// the workspace.
type File struct {
	Root string
}

// NewFile confines the module to root. An empty root uses the app root
// of each invocation.
func NewFile(root string) *File {
	if root != "" {
		root, _ = filepath.Abs(root)
	}
	return &File{Root: root}
}

func (f *File) Name() string { return "file" }

func (f *File) Description() string {
	return "Manage files in the local workspace: read, write, list, delete and mkdir."
}

func (f *File) Operations() []capability.Operation {
	path := capability.ParamSpec{Name: "path", Type: capability.TypeString, Required: true, Description: "path relative to the workspace"}
	return []capability.Operation{
		{
			Name:        "read",
			Description: "Read a text file.",
			Params:      []capability.ParamSpec{path},
			Returns:     "file content",
			Examples: []capability.Example{
				{Text: "read data/users.json into %users%", Parameters: map[string]any{"path": "data/users.json"}, Returns: []string{"users"}},
			},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				target, err := f.resolve(inv)
				if err != nil {
					return nil, err
				}
				data, err := os.ReadFile(target)
				if err != nil {
					return nil, fmt.Errorf("failed to read file: %w", err)
				}
				return string(data), nil
			},
		},
		{
			Name:        "write",
			Description: "Write text to a file, replacing it or appending.",
			Params: []capability.ParamSpec{
				path,
				{Name: "content", Type: capability.TypeString, Required: true},
				{Name: "append", Type: capability.TypeBool, Default: false},
			},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				target, err := f.resolve(inv)
				if err != nil {
					return nil, err
				}
				if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
					return nil, fmt.Errorf("failed to create directory: %w", err)
				}
				flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
				if inv.Bool("append") {
					flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
				}
				out, err := os.OpenFile(target, flags, 0644)
				if err != nil {
					return nil, fmt.Errorf("failed to write file: %w", err)
				}
				if _, err := out.WriteString(inv.String("content")); err != nil {
					out.Close()
					return nil, fmt.Errorf("failed to write file: %w", err)
				}
				return nil, out.Close()
			},
		},
		{
			Name:        "list",
			Description: "List the entries of a directory.",
			Params:      []capability.ParamSpec{{Name: "path", Type: capability.TypeString, Default: "."}},
			Returns:     "list of {name, dir, size}",
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				target, err := f.resolve(inv)
				if err != nil {
					return nil, err
				}
				entries, err := os.ReadDir(target)
				if err != nil {
					return nil, fmt.Errorf("failed to list directory: %w", err)
				}
				out := make([]any, 0, len(entries))
				for _, e := range entries {
					var size int64
					if info, err := e.Info(); err == nil {
						size = info.Size()
					}
					out = append(out, map[string]any{"name": e.Name(), "dir": e.IsDir(), "size": size})
				}
				return out, nil
			},
		},
		{
			Name:        "delete",
			Description: "Delete a file or an empty directory.",
			Params:      []capability.ParamSpec{path},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				target, err := f.resolve(inv)
				if err != nil {
					return nil, err
				}
				if err := os.Remove(target); err != nil {
					return nil, fmt.Errorf("failed to delete: %w", err)
				}
				return nil, nil
			},
		},
		{
			Name:        "mkdir",
			Description: "Create a directory with its parents.",
			Params:      []capability.ParamSpec{path},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				target, err := f.resolve(inv)
				if err != nil {
					return nil, err
				}
				if err := os.MkdirAll(target, 0755); err != nil {
					return nil, fmt.Errorf("failed to create directory: %w", err)
				}
				return nil, nil
			},
		},
	}
}

// resolve maps the path argument into the workspace.
func (f *File) resolve(inv *capability.Invocation) (string, error) {
	root := f.Root
	if root == "" {
		root = inv.Runtime.AppRoot()
	}
	name := inv.String("path")
	target := filepath.Join(root, name)

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", inv.Fail(errs.KeyValueInvalid, fmt.Sprintf("unsafe path attempt: %s", name)).WithStatus(403)
	}
	return target, nil
}
