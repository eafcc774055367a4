package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

const maxReadBytes = 100 * 1024

// resolvePath normalizes a path and resolves symlinks in its parent so a
// link cannot smuggle access outside the tree the caller expects.
func resolvePath(rawPath string) (string, error) {
	if rawPath == "" {
		return "", fmt.Errorf("empty path")
	}
	resolved, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	evaluated, err := filepath.EvalSymlinks(filepath.Dir(resolved))
	if err != nil {
		// Parent may not exist yet; acceptable for writes.
		evaluated = filepath.Dir(resolved)
	}
	return filepath.Join(evaluated, filepath.Base(resolved)), nil
}

// FileReadTool reads file contents.
type FileReadTool struct{}

func (FileReadTool) Definition() Definition {
	return Definition{
		Name:        "file_read",
		Description: "Read the contents of a file. Returns the file content as text. Maximum 100KB.",
		Params: map[string]Param{
			"path": {Type: "string", Description: "Path to the file to read"},
		},
		Required: []string{"path"},
		Category: "filesystem",
	}
}

func (FileReadTool) Execute(_ context.Context, args map[string]any) Result {
	path, err := resolvePath(stringArg(args, "path"))
	if err != nil {
		return Fail("%v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Fail("stat: %v", err)
	}
	if info.IsDir() {
		return Fail("path is a directory: %s", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Fail("read: %v", err)
	}
	return Ok(truncate(string(raw), maxReadBytes))
}

// FileWriteTool creates or overwrites a file.
type FileWriteTool struct{}

func (FileWriteTool) Definition() Definition {
	return Definition{
		Name:        "file_write",
		Description: "Write content to a file. Creates the file if it doesn't exist, overwrites if it does.",
		Params: map[string]Param{
			"path":    {Type: "string", Description: "Path to the file to write"},
			"content": {Type: "string", Description: "Content to write to the file"},
		},
		Required:         []string{"path", "content"},
		RequiresApproval: true,
		Category:         "filesystem",
	}
}

func (FileWriteTool) Execute(_ context.Context, args map[string]any) Result {
	path, err := resolvePath(stringArg(args, "path"))
	if err != nil {
		return Fail("%v", err)
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Fail("create parent dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Fail("write: %v", err)
	}
	return Ok(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}

// FileDeleteTool removes a file.
type FileDeleteTool struct{}

func (FileDeleteTool) Definition() Definition {
	return Definition{
		Name:        "file_delete",
		Description: "Delete a file. Use with caution as this operation cannot be undone.",
		Params: map[string]Param{
			"path": {Type: "string", Description: "Path to the file to delete"},
		},
		Required:         []string{"path"},
		RequiresApproval: true,
		Category:         "filesystem",
	}
}

func (FileDeleteTool) Execute(_ context.Context, args map[string]any) Result {
	path, err := resolvePath(stringArg(args, "path"))
	if err != nil {
		return Fail("%v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Fail("stat: %v", err)
	}
	if info.IsDir() {
		return Fail("refusing to delete directory: %s", path)
	}
	if err := os.Remove(path); err != nil {
		return Fail("delete: %v", err)
	}
	return Ok(fmt.Sprintf("deleted %s", path))
}
