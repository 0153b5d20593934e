package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agnivade/levenshtein"
)

const editDescription = `Performs exact string replacements in files.

Usage:
- filePath may be absolute or relative to the working directory
- oldString must exist in the file; when it does not match exactly, a
  line-ending normalized match and then a close fuzzy match are tried
- newString will replace oldString
- Use replaceAll to replace all occurrences
- The edit will FAIL if oldString is not unique (unless using replaceAll)`

// fuzzyThreshold is the minimum similarity for a fuzzy replacement.
const fuzzyThreshold = 0.7

// EditTool implements file editing.
type EditTool struct {
	workDir string
}

// EditInput represents the input for the edit tool.
type EditInput struct {
	FilePath   string `json:"filePath"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}

// NewEditTool creates a new edit tool.
func NewEditTool(workDir string) *EditTool {
	return &EditTool{workDir: workDir}
}

func (t *EditTool) Name() string        { return "edit" }
func (t *EditTool) Description() string { return editDescription }

func (t *EditTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"minLength": 1,
				"description": "The path to the file to edit"
			},
			"oldString": {
				"type": "string",
				"description": "The exact text to replace"
			},
			"newString": {
				"type": "string",
				"description": "The text to replace it with"
			},
			"replaceAll": {
				"type": "boolean",
				"description": "Replace all occurrences (default: false)"
			}
		},
		"required": ["filePath", "oldString", "newString"]
	}`)
}

// Aliases maps snake_case names onto the canonical camelCase ones.
func (t *EditTool) Aliases() map[string]string {
	return map[string]string{
		"file_path":   "filePath",
		"path":        "filePath",
		"old_string":  "oldString",
		"new_string":  "newString",
		"replace_all": "replaceAll",
	}
}

func (t *EditTool) Defaults() map[string]any {
	return map[string]any{"replaceAll": false}
}

func (t *EditTool) Validate(args map[string]any) error {
	oldString, _ := args["oldString"].(string)
	newString, _ := args["newString"].(string)
	if oldString == newString {
		return errors.New("oldString and newString must be different")
	}
	if oldString == "" {
		return errors.New("oldString must not be empty")
	}
	return nil
}

func (t *EditTool) Run(ctx context.Context, call Call) (*Result, error) {
	var params EditInput
	if err := call.Decode(&params); err != nil {
		return nil, err
	}

	baseDir := t.workDir
	if call.WorkDir != "" {
		baseDir = call.WorkDir
	}
	path := params.FilePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	before := string(content)

	after, count, mode, err := replace(before, params)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if err := os.WriteFile(path, []byte(after), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	diff := diffFile(path, before, after, baseDir)

	title := fmt.Sprintf("Edited %s", filepath.Base(path))
	if mode != "" {
		title += " (" + mode + ")"
	}
	output := fmt.Sprintf("Replaced %d occurrence(s): +%d -%d lines", count, diff.Additions, diff.Deletions)
	if diff.Patch != "" {
		output += "\n\n" + diff.Patch
	}

	return &Result{
		Title:  title,
		Output: output,
		Metadata: map[string]any{
			"file":         path,
			"replacements": count,
			"additions":    diff.Additions,
			"deletions":    diff.Deletions,
			"diff":         diff.Patch,
		},
	}, nil
}

// replace applies the edit and reports how the match was found.
func replace(text string, params EditInput) (string, int, string, error) {
	count := strings.Count(text, params.OldString)
	switch {
	case count > 1 && !params.ReplaceAll:
		return "", 0, "", fmt.Errorf("oldString appears %d times in file. Use replaceAll or provide more context", count)
	case count > 0 && params.ReplaceAll:
		return strings.ReplaceAll(text, params.OldString, params.NewString), count, "", nil
	case count == 1:
		return strings.Replace(text, params.OldString, params.NewString, 1), 1, "", nil
	}

	normalizedOld := normalizeLineEndings(params.OldString)
	normalizedText := normalizeLineEndings(text)
	if strings.Count(normalizedText, normalizedOld) == 1 {
		return strings.Replace(normalizedText, normalizedOld, params.NewString, 1), 1, "normalized", nil
	}

	match, sim := findBestMatch(text, params.OldString)
	if match != "" && sim >= fuzzyThreshold {
		return strings.Replace(text, match, params.NewString, 1), 1, fmt.Sprintf("fuzzy %.0f%%", sim*100), nil
	}

	return "", 0, "", errors.New("oldString not found in file. The content may have changed or the string doesn't exist")
}

func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// findBestMatch finds the line or block of lines most similar to target.
func findBestMatch(text, target string) (string, float64) {
	lines := strings.Split(text, "\n")
	targetLen := len(strings.Split(target, "\n"))

	bestMatch := ""
	bestSimilarity := 0.0
	for i := 0; i+targetLen <= len(lines); i++ {
		block := strings.Join(lines[i:i+targetLen], "\n")
		if sim := similarity(block, target); sim > bestSimilarity {
			bestSimilarity = sim
			bestMatch = block
		}
	}
	return bestMatch, bestSimilarity
}

// similarity is the normalized Levenshtein similarity of a and b.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	// Length ratio stands in for very long inputs.
	if len(a) > 10000 || len(b) > 10000 {
		return float64(min(len(a), len(b))) / float64(max(len(a), len(b)))
	}

	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(max(len(a), len(b)))
}
