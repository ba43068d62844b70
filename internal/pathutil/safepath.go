// Package pathutil holds segment checks shared by request path resolution
// and archive entry validation.
package pathutil

import "strings"

// HasDotSegments reports whether any "/"-separated segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// HasParentSegment reports whether any segment is "..", treating both
// "/" and "\" as separators so archives built on Windows are covered.
func HasParentSegment(p string) bool {
	return hasSegment(strings.ReplaceAll(p, `\`, "/"), "..")
}

func hasSegment(p, want string) bool {
	for {
		seg, rest, more := strings.Cut(p, "/")
		if seg == want {
			return true
		}
		if !more {
			return false
		}
		p = rest
	}
}
