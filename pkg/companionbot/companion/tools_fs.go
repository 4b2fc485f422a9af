// Package companion – tools_fs.go registers the file tools. Every path
// goes through the PathGuard before any I/O.
package companion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxReadFileBytes caps read_file output before the tool-result budget.
const maxReadFileBytes = 64 * 1024

// RegisterFileTools adds read_file, write_file, edit_file, and
// list_files, all confined by the guard.
func RegisterFileTools(reg *ToolRegistry, guard *PathGuard) {
	reg.Register(ToolDef{
		Name:        "read_file",
		Description: "Read a text file from the workspace. Returns the file content.",
		InputSchema: objSchema(map[string]any{
			"path": prop("string", "Path of the file to read"),
		}, "path"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		path, err := stringArg(args, "path")
		if err != nil {
			return "", err
		}
		resolved, err := guard.Resolve(path, false)
		if err != nil {
			return "", err
		}
		f, err := guard.OpenNoFollow(resolved, os.O_RDONLY, 0)
		if err != nil {
			return "", Errorf(ErrNotFound, "cannot open %q: %v", path, err)
		}
		defer f.Close()
		buf := make([]byte, maxReadFileBytes+1)
		n, _ := f.Read(buf)
		out := string(buf[:min(n, maxReadFileBytes)])
		if n > maxReadFileBytes {
			out += "\n... [file truncated]"
		}
		return out, nil
	})

	reg.Register(ToolDef{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating or replacing it.",
		InputSchema: objSchema(map[string]any{
			"path":    prop("string", "Path of the file to write"),
			"content": prop("string", "Full content to write"),
		}, "path", "content"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		path, err := stringArg(args, "path")
		if err != nil {
			return "", err
		}
		content, err := stringArg(args, "content")
		if err != nil {
			return "", err
		}
		resolved, err := guard.Resolve(path, true)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return "", Errorf(ErrPersistence, "create parent dir: %v", err)
		}
		f, err := guard.OpenNoFollow(resolved, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return "", Errorf(ErrPersistence, "open %q: %v", path, err)
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return "", Errorf(ErrPersistence, "write %q: %v", path, err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
	})

	reg.Register(ToolDef{
		Name:        "edit_file",
		Description: "Replace an exact text snippet in a file. The old text must occur exactly once.",
		InputSchema: objSchema(map[string]any{
			"path":     prop("string", "Path of the file to edit"),
			"old_text": prop("string", "Exact text to replace"),
			"new_text": prop("string", "Replacement text"),
		}, "path", "old_text", "new_text"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		path, err := stringArg(args, "path")
		if err != nil {
			return "", err
		}
		oldText, err := stringArg(args, "old_text")
		if err != nil {
			return "", err
		}
		newText := optStringArg(args, "new_text", "")

		resolved, err := guard.Resolve(path, true)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return "", Errorf(ErrNotFound, "cannot read %q: %v", path, err)
		}
		content := string(data)
		switch strings.Count(content, oldText) {
		case 0:
			return "", Errorf(ErrInvalidInput, "old_text not found in %q", path)
		case 1:
		default:
			return "", Errorf(ErrInvalidInput, "old_text occurs more than once in %q", path)
		}
		content = strings.Replace(content, oldText, newText, 1)

		f, err := guard.OpenNoFollow(resolved, os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return "", Errorf(ErrPersistence, "open %q: %v", path, err)
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return "", Errorf(ErrPersistence, "write %q: %v", path, err)
		}
		return "edited " + path, nil
	})

	reg.Register(ToolDef{
		Name:        "list_files",
		Description: "List files in a workspace directory.",
		InputSchema: objSchema(map[string]any{
			"path": prop("string", "Directory to list (defaults to the workspace root)"),
		}),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		path := optStringArg(args, "path", ".")
		resolved, err := guard.Resolve(path, false)
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return "", Errorf(ErrNotFound, "cannot list %q: %v", path, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 {
			return "(empty directory)", nil
		}
		return strings.Join(names, "\n"), nil
	})
}
