package exec

import (
	"os"
	"path/filepath"
	"strings"
)

// LookPath resolves name against pathEnv, a colon-separated list of
// directories (the session's PATH variable, e.g. "bin:."), the way
// spec.md §4.1 requires: "the first [token] is the program, searched
// via the session's PATH" — not the server process's own PATH.
//
// Returns the resolved path and true on success; false if no directory
// in pathEnv holds an executable regular file named name.
func LookPath(pathEnv, name string) (string, bool) {
	if strings.ContainsRune(name, '/') {
		if isExecutableFile(name) {
			return name, true
		}
		return "", false
	}

	for _, dir := range strings.Split(pathEnv, ":") {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		if isExecutableFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
