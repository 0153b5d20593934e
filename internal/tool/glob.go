package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const globDescription = `Fast file pattern matching.

Usage:
- Supports glob patterns like "**/*.go" or "internal/**/*_test.go"
- Returns matching file paths, most recently modified first
- path optionally narrows the search to a subdirectory`

const maxGlobFiles = 100

// GlobTool implements file pattern matching.
type GlobTool struct {
	workDir string
}

// GlobInput represents the input for the glob tool.
type GlobInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

// NewGlobTool creates a new glob tool.
func NewGlobTool(workDir string) *GlobTool {
	return &GlobTool{workDir: workDir}
}

func (t *GlobTool) Name() string        { return "glob" }
func (t *GlobTool) Description() string { return globDescription }
func (t *GlobTool) Idempotent() bool    { return true }

func (t *GlobTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"minLength": 1,
				"description": "The glob pattern to match files against"
			},
			"path": {
				"type": "string",
				"description": "Directory to search in (default: working directory)"
			}
		},
		"required": ["pattern"]
	}`)
}

func (t *GlobTool) Aliases() map[string]string {
	return map[string]string{"glob": "pattern", "dir": "path"}
}

func (t *GlobTool) Validate(args map[string]any) error {
	pattern, _ := args["pattern"].(string)
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid glob pattern %q", pattern)
	}
	return nil
}

func (t *GlobTool) Run(ctx context.Context, call Call) (*Result, error) {
	var params GlobInput
	if err := call.Decode(&params); err != nil {
		return nil, err
	}

	searchDir := t.workDir
	if call.WorkDir != "" {
		searchDir = call.WorkDir
	}
	if params.Path != "" {
		if filepath.IsAbs(params.Path) {
			searchDir = params.Path
		} else {
			searchDir = filepath.Join(searchDir, params.Path)
		}
	}

	type match struct {
		path  string
		mtime int64
	}
	var matches []match
	fsys := os.DirFS(searchDir)
	err := doublestar.GlobWalk(fsys, filepath.ToSlash(params.Pattern), func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		matches = append(matches, match{path: path, mtime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", params.Pattern, err)
	}

	if len(matches) == 0 {
		return &Result{
			Title:  "Glob search",
			Output: "No files matched the pattern",
			Metadata: map[string]any{
				"pattern": params.Pattern,
				"count":   0,
			},
		}, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].mtime != matches[j].mtime {
			return matches[i].mtime > matches[j].mtime
		}
		return matches[i].path < matches[j].path
	})

	truncated := len(matches) > maxGlobFiles
	if truncated {
		matches = matches[:maxGlobFiles]
	}
	lines := make([]string, len(matches))
	for i, m := range matches {
		lines[i] = m.path
	}
	output := strings.Join(lines, "\n")
	if truncated {
		output += fmt.Sprintf("\n\n(Showing the first %d matches)", maxGlobFiles)
	}

	return &Result{
		Title:  fmt.Sprintf("Found %d files", len(matches)),
		Output: output,
		Metadata: map[string]any{
			"pattern":   params.Pattern,
			"count":     len(matches),
			"truncated": truncated,
		},
	}, nil
}
