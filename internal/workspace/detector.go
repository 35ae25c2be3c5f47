// Package workspace inspects the directory a task operates on.
package workspace

import (
	"os"
	"path/filepath"
	"strings"
)

// Kind is the toolchain a workspace is built with.
type Kind string

const (
	KindGo      Kind = "go"
	KindNode    Kind = "node"
	KindPython  Kind = "python"
	KindRust    Kind = "rust"
	KindUnknown Kind = "unknown"
)

var manifests = []struct {
	file string
	kind Kind
}{
	{"go.mod", KindGo},
	{"package.json", KindNode},
	{"pyproject.toml", KindPython},
	{"requirements.txt", KindPython},
	{"setup.py", KindPython},
	{"Cargo.toml", KindRust},
}

var extensions = map[string]Kind{
	".go":  KindGo,
	".ts":  KindNode,
	".tsx": KindNode,
	".js":  KindNode,
	".jsx": KindNode,
	".py":  KindPython,
	".rs":  KindRust,
}

// minSources is how many top-level source files the extension fallback needs.
const minSources = 3

// Detect looks for a manifest first and falls back to counting source files
// in the workspace root.
func Detect(root string) Kind {
	for _, m := range manifests {
		if _, err := os.Stat(filepath.Join(root, m.file)); err == nil {
			return m.kind
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return KindUnknown
	}
	counts := make(map[Kind]int)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if k, ok := extensions[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			counts[k]++
		}
	}

	best, n := KindUnknown, 0
	for _, k := range []Kind{KindGo, KindNode, KindPython, KindRust} {
		if counts[k] > n {
			best, n = k, counts[k]
		}
	}
	if n < minSources {
		return KindUnknown
	}
	return best
}

// TestCommand returns the command that runs the workspace's test suite.
// The bool is false when the kind has no known test runner.
func TestCommand(k Kind) (string, []string, bool) {
	switch k {
	case KindGo:
		return "go", []string{"test", "./..."}, true
	case KindNode:
		return "npm", []string{"test", "--silent"}, true
	case KindPython:
		return "pytest", []string{"-q"}, true
	case KindRust:
		return "cargo", []string{"test"}, true
	default:
		return "", nil, false
	}
}

// Image returns a container image able to build the workspace.
func Image(k Kind) string {
	switch k {
	case KindGo:
		return "golang:alpine"
	case KindNode:
		return "node:alpine"
	case KindPython:
		return "python:alpine"
	case KindRust:
		return "rust:alpine"
	default:
		return "alpine:latest"
	}
}
