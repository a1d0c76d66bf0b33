package plan

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/controlroom/internal/errors"
)

// maxDiscoveryDepth limits how far below the project root Discover looks.
const maxDiscoveryDepth = 2

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

// Discover finds a plan document under dir. Patterns are slash-separated
// globs relative to dir, tried in order; within one pattern the
// lexicographically first match wins. Paths listed in exclude (absolute or
// relative to dir) are never returned.
func Discover(dir string, patterns []string, exclude ...string) (string, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return "", errors.NewValidationError(fmt.Sprintf("invalid discovery pattern: %v", err)).
				WithField("plan.discovery").WithValue(p)
		}
		globs = append(globs, g)
	}

	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		if !filepath.IsAbs(e) {
			e = filepath.Join(dir, e)
		}
		excluded[filepath.Clean(e)] = true
	}

	var candidates []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			if strings.Count(filepath.ToSlash(rel), "/") >= maxDiscoveryDepth-1 && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !excluded[filepath.Clean(path)] {
			candidates = append(candidates, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	slices.Sort(candidates)

	for _, g := range globs {
		for _, c := range candidates {
			if g.Match(c) {
				return filepath.Join(dir, filepath.FromSlash(c)), nil
			}
		}
	}
	return "", errors.NewNotFoundError("plan", dir)
}
