// Command gen rewrites manifest.txt from the daemon's source tree: one
// "sha256  path" line per .go and .sql file under cmd/ and internal/, test
// files excluded, sorted by path. Run from internal/version via go generate.
package main

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

func main() {
	var paths []string
	for _, root := range []string{"../../cmd", "../../internal"} {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			name := d.Name()
			if strings.HasSuffix(name, "_test.go") {
				return nil
			}
			if strings.HasSuffix(name, ".go") || strings.HasSuffix(name, ".sql") {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			fatal(err)
		}
	}
	sort.Strings(paths)

	var out strings.Builder
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			fatal(err)
		}
		rel := filepath.ToSlash(strings.TrimPrefix(path, "../../"))
		fmt.Fprintf(&out, "%x  %s\n", sha256.Sum256(raw), rel)
	}
	if err := os.WriteFile("manifest.txt", []byte(out.String()), 0o644); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "gen:", err)
	os.Exit(1)
}
