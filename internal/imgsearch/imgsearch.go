// Package imgsearch resolves a protection domain's declared program image
// filename against an ordered list of search directories (spec §6
// "--search-path"), the current working directory prepended implicitly.
package imgsearch

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"

	"sysbuilder/internal/builderr"
)

// Searcher holds the ordered list of directories a PD program image is
// resolved against: first match, in search-path order, wins.
type Searcher struct {
	dirs []string
}

// New builds a Searcher with cwd searched first, then each of extra in the
// order given on the command line.
func New(cwd string, extra []string) *Searcher {
	dirs := make([]string, 0, len(extra)+1)
	dirs = append(dirs, cwd)
	dirs = append(dirs, extra...)
	return &Searcher{dirs: dirs}
}

// errFound halts godirwalk.Walk as soon as a match is seen; it never
// escapes Find, so callers never observe it.
var errFound = errors.New("imgsearch: found")

// Find returns the full path to filename, the first match across the
// search directories in order. Reports a resource error naming every
// searched directory if none of them have it.
func (s *Searcher) Find(filename string) (string, error) {
	for _, dir := range s.dirs {
		path, err := findIn(dir, filename)
		if err != nil {
			return "", builderr.Wrap(builderr.Resource, err, "searching %s for program image %s", dir, filename)
		}
		if path != "" {
			return path, nil
		}
	}
	return "", builderr.Raw(builderr.Resource, "program image '%s' not found; not in %d search path(s)", filename, len(s.dirs))
}

// findIn looks for filename among dir's own entries only — one level,
// no descent into subdirectories, matching spec's flat search-path
// resolution rule.
func findIn(dir, filename string) (string, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var found string
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if osPathname == dir {
				return nil
			}
			if de.IsDir() {
				return filepath.SkipDir
			}
			if de.Name() == filename {
				found = osPathname
				return errFound
			}
			return nil
		},
		Unsorted: true,
	})
	if err != nil && !errors.Is(err, errFound) {
		return "", err
	}
	return found, nil
}
