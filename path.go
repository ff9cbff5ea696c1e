package agency

import "strings"

// PathSeparator separates the segments of a hierarchical path.
const PathSeparator = "/"

// SplitPath returns the segments of p. Leading, trailing and repeated
// separators are ignored, so "/a//b/" and "a/b" address the same node.
// The root path yields no segments.
func SplitPath(p string) []string {
	fields := strings.Split(p, PathSeparator)
	segments := fields[:0]
	for _, f := range fields {
		if f != "" {
			segments = append(segments, f)
		}
	}
	return segments
}

// NormalizePath returns the canonical form of p: a leading separator followed
// by the segments joined by single separators.
func NormalizePath(p string) string {
	return JoinPath(SplitPath(p))
}

// JoinPath joins segments into a canonical path.
func JoinPath(segments []string) string {
	return PathSeparator + strings.Join(segments, PathSeparator)
}
