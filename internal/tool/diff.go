package tool

import (
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// fileDiff summarizes one file rewrite.
type fileDiff struct {
	Patch     string
	Additions int
	Deletions int
}

// diffFile computes a line diff of before and after. The patch carries
// ---/+++ headers naming path relative to baseDir.
func diffFile(path, before, after, baseDir string) fileDiff {
	var d fileDiff
	if before == after {
		return d
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, chunk := range diffs {
		switch chunk.Type {
		case diffmatchpatch.DiffInsert:
			d.Additions += lineCount(chunk.Text)
		case diffmatchpatch.DiffDelete:
			d.Deletions += lineCount(chunk.Text)
		}
	}

	patch := dmp.PatchToText(dmp.PatchMake(before, diffs))
	if patch == "" {
		return d
	}
	if name := displayPath(path, baseDir); name != "" {
		patch = "--- " + name + "\n+++ " + name + "\n" + patch
	}
	d.Patch = patch
	return d
}

func displayPath(path, baseDir string) string {
	if path == "" || baseDir == "" {
		return path
	}
	if rel, err := filepath.Rel(baseDir, path); err == nil {
		return rel
	}
	return path
}

func lineCount(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
