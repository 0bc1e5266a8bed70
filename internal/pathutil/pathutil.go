// Package pathutil normalizes the rel_path keys shared by the scanner,
// manifest, journal and dedup index so that equality checks are meaningful
// across runs and across platforms.
package pathutil

import (
	"path"
	"path/filepath"
	"strings"
)

// RelPath builds the stable, forward-slash-normalized key rooted at a
// synthetic root equal to the source root's basename. absPath must lie
// under sourceRoot.
func RelPath(sourceRoot, absPath string) (string, error) {
	rel, err := filepath.Rel(sourceRoot, absPath)
	if err != nil {
		return "", err
	}
	base := filepath.Base(filepath.Clean(sourceRoot))
	joined := path.Join(base, filepath.ToSlash(rel))
	return Normalize(joined), nil
}

// Normalize enforces forward slashes and removes "." / ".." segments, so
// that manifest loads tolerate legacy key variants written by an earlier
// version of this package.
func Normalize(p string) string {
	p = strings.ReplaceAll(filepath.ToSlash(p), `\`, "/")
	cleaned := path.Clean(p)
	cleaned = strings.TrimPrefix(cleaned, "/")
	return cleaned
}

// HasHiddenSegment reports whether relToRoot (a path relative to the root
// being walked) contains a hidden segment, for the "exclude hidden items"
// rule.
func HasHiddenSegment(relToRoot string) bool {
	relToRoot = filepath.ToSlash(relToRoot)
	for _, seg := range strings.Split(relToRoot, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != "" {
			return true
		}
	}
	return false
}

// IsWithin reports whether candidate is equal to, or a descendant of, root.
// Used for the EXCLUDE_FOLDER.folders absolute-path exclusion rule.
func IsWithin(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(candidate, root+sep)
}
