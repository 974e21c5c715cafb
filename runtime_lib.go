package main

import (
	"os"
	"path/filepath"
	"runtime"
)

// resolveLibraryPath picks the onnxruntime shared library. An explicit path
// wins; otherwise the first existing well-known location is used. An empty
// result leaves the choice to onnxruntime_go's default.
func resolveLibraryPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, candidate := range libraryCandidates() {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func libraryCandidates() []string {
	libName := "libonnxruntime.so"
	dirs := []string{"lib", "/usr/local/lib", "/usr/lib"}
	if runtime.GOOS == "darwin" {
		libName = "libonnxruntime.dylib"
		dirs = []string{"lib", "/opt/homebrew/lib", "/usr/local/lib"}
	} else if runtime.GOOS == "windows" {
		libName = "onnxruntime.dll"
		dirs = []string{"lib", "."}
	}

	candidates := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		candidates = append(candidates, filepath.Join(dir, libName))
	}
	return candidates
}
