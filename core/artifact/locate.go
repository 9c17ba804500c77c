package artifact

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lora-orchestrator/core/apperrors"
)

// DefaultMaxDepth bounds directory descent when Locate is given no limit.
const DefaultMaxDepth = 32

// Outcome is the result class of a Locate search.
type Outcome int

const (
	NotFound Outcome = iota
	Found
	Ambiguous
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Ambiguous:
		return "ambiguous"
	default:
		return "not_found"
	}
}

// LocateResult reports the files matching a suffix under a root directory.
// Path is set only when Outcome is Found. Matches are in lexical order.
type LocateResult struct {
	Outcome Outcome
	Path    string
	Matches []string

	root   string
	suffix string
}

// Err converts a non-Found outcome into its error.
func (r LocateResult) Err() error {
	switch r.Outcome {
	case Found:
		return nil
	case Ambiguous:
		return apperrors.AmbiguousArtifact(r.suffix, r.Matches)
	default:
		return apperrors.ArtifactNotFound(r.suffix, r.root)
	}
}

// Locate walks root depth first in lexical order and collects regular files
// whose name ends with suffix. Directories more than maxDepth levels below
// root are not entered. Symlinks are never followed.
func Locate(root, suffix string, maxDepth int) (LocateResult, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	result := LocateResult{root: root, suffix: suffix}

	type dir struct {
		path  string
		depth int
	}
	stack := []dir{{path: root}}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(current.path)
		if err != nil {
			return result, apperrors.Extraction("read directory", fmt.Errorf("%s: %w", current.path, err))
		}

		// push subdirectories in reverse so they are popped in lexical order
		for i := len(entries) - 1; i >= 0; i-- {
			entry := entries[i]
			path := filepath.Join(current.path, entry.Name())

			switch {
			case entry.IsDir():
				if current.depth+1 > maxDepth {
					slog.Warn("Skipping directory beyond search depth", "path", path, "maxDepth", maxDepth)
					continue
				}
				stack = append(stack, dir{path: path, depth: current.depth + 1})
			case entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), suffix):
				result.Matches = append(result.Matches, path)
			}
		}
	}

	sort.Strings(result.Matches)

	switch len(result.Matches) {
	case 0:
		result.Outcome = NotFound
	case 1:
		result.Outcome = Found
		result.Path = result.Matches[0]
	default:
		result.Outcome = Ambiguous
	}
	return result, nil
}
