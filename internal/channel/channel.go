// Package channel describes the deployable targets of the site host and
// where each one lives inside the content root.
package channel

import (
	"path"
	"strconv"
	"strings"
)

type Name string

const (
	Stable Name = "stable"
	Canary Name = "canary"
	PR     Name = "pr"
	Commit Name = "commit"
)

// Top-level directories under the content root.
const (
	StableDir   = "stable"
	CanaryDir   = "canary"
	PRDir       = "pr"
	CommitsDir  = "commits"
	VersionsDir = "versions"
	StagingDir  = ".staging"
)

// Channel is derived per request from the hostname or the deploy path.
type Channel struct {
	Name   Name
	PRID   int
	Commit string
}

// ServingPath is the channel directory relative to the content root.
func (c Channel) ServingPath() string {
	switch c.Name {
	case Stable:
		return StableDir
	case Canary:
		return CanaryDir
	case PR:
		return path.Join(PRDir, strconv.Itoa(c.PRID))
	case Commit:
		return path.Join(CommitsDir, c.Commit)
	}
	return ""
}

// Host returns the public hostname serving the channel under base.
func (c Channel) Host(base string) string {
	switch c.Name {
	case Stable:
		return base
	case Canary:
		return "canary." + base
	case PR:
		return "pr-" + strconv.Itoa(c.PRID) + "." + base
	case Commit:
		return "commit-" + c.Commit + "." + base
	}
	return ""
}

func (c Channel) String() string {
	switch c.Name {
	case PR:
		return "pr-" + strconv.Itoa(c.PRID)
	case Commit:
		return "commit-" + c.Commit
	}
	return string(c.Name)
}

// VersionPath maps a release version like "v1.2.3" to "versions/1-2-3".
// Returns "" when nothing usable remains.
func VersionPath(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	v = strings.ReplaceAll(v, ".", "-")
	if !IsSafeSegment(v) {
		return ""
	}
	return path.Join(VersionsDir, v)
}

// CommitHash lowercases s and reports whether it can name a commit tree
// that is reachable as commit-<hash>.<base>: letters, digits and dashes only.
func CommitHash(s string) (string, bool) {
	s = strings.ToLower(s)
	if s == "" {
		return "", false
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return "", false
		}
	}
	return s, true
}

// IsSafeSegment reports whether s can be used as a single directory name
// below a channel parent: non-empty, no separators, not a dot segment.
func IsSafeSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00")
}

// Dirs lists the directories created at startup.
func Dirs() []string {
	return []string{StableDir, CanaryDir, PRDir, CommitsDir, VersionsDir, StagingDir}
}
