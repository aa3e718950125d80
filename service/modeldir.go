package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ResolveModelDir finds the directory holding the checkpoint files under the
// weights root. Besides flat layouts it understands the Hugging Face cache
// layout (models--org--name/snapshots/<rev>) that from_pretrained writes when
// given a cache dir. Only local files are consulted.
func ResolveModelDir(root, modelID, marker string) (string, error) {
	var candidates []string
	candidates = append(candidates, root, filepath.Join(root, "onnx"))

	if modelID != "" {
		repo := filepath.Join(root, "models--"+strings.ReplaceAll(modelID, "/", "--"))
		for _, snap := range snapshots(repo) {
			candidates = append(candidates, snap, filepath.Join(snap, "onnx"))
		}
	}

	for _, dir := range candidates {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%s not found under %s", marker, root)
}

// snapshots lists the revisions of a cached repo, the one refs/main points at
// first.
func snapshots(repo string) []string {
	entries, err := os.ReadDir(filepath.Join(repo, "snapshots"))
	if err != nil {
		return nil
	}
	var main string
	if ref, err := os.ReadFile(filepath.Join(repo, "refs", "main")); err == nil {
		main = strings.TrimSpace(string(ref))
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || e.Type()&os.ModeSymlink != 0 {
			out = append(out, e.Name())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i] == main && out[j] != main
	})
	for i, name := range out {
		out[i] = filepath.Join(repo, "snapshots", name)
	}
	return out
}

// ResolveConfigDir finds the directory holding the tokenizer and configs for
// a graph dir returned by ResolveModelDir. ONNX exports usually keep those at
// the checkpoint root and only the graphs under onnx/, so the parent is tried
// after the graph dir itself.
func ResolveConfigDir(graphDir string) (string, error) {
	for _, dir := range []string{graphDir, filepath.Dir(graphDir)} {
		if _, err := os.Stat(filepath.Join(dir, VocabName)); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%s not found in %s or its parent", VocabName, graphDir)
}
