package journal

import (
	"os"
	"path/filepath"
	"strings"
)

// FindRunUUID walks up from dir looking for the run's tm/.uuid marker and
// returns its contents, or "" when dir is not inside a benchmark run
// directory.
func FindRunUUID(dir string) string {
	for cur := filepath.Clean(dir); ; cur = filepath.Dir(cur) {
		raw, err := os.ReadFile(filepath.Join(cur, "tm", ".uuid"))
		if err == nil {
			return strings.TrimSpace(string(raw))
		}
		if cur == filepath.Dir(cur) {
			return ""
		}
	}
}
